package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-timesync/internal/config"
)

// Common token errors.
var (
	// ErrAttemptAlreadyActive is returned when a token mint is requested for
	// an attempt that already holds a live token.
	ErrAttemptAlreadyActive = errors.New("a token for this attempt is already active")
)

// Claims extends JWT standard claims with the attempt identity the timer
// endpoints are scoped to.
type Claims struct {
	jwt.RegisteredClaims
	AttemptID string `json:"attempt_id"`
	ModuleID  string `json:"module_id"`
}

// TokenService mints and validates attempt tokens. The host platform calls
// in with its API key; every browser tab of the attempt then connects with
// the same token.
type TokenService struct {
	cfg *config.Config
	rdb *redis.Client
}

// NewTokenService creates a new TokenService.
func NewTokenService(cfg *config.Config, rdb *redis.Client) *TokenService {
	return &TokenService{cfg: cfg, rdb: rdb}
}

// GenerateAttemptToken creates a JWT scoped to one attempt and registers it
// in Redis so a second mint for the same live attempt is rejected. The
// registration expires with the token.
func (s *TokenService) GenerateAttemptToken(ctx context.Context, attemptID, moduleID string) (string, error) {
	tokenKey := config.CacheKey.AttemptTokenKey(attemptID)

	existing, err := s.rdb.Get(ctx, tokenKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("check attempt registration: %w", err)
	}
	if existing != "" {
		return "", ErrAttemptAlreadyActive
	}

	jti := uuid.New().String()
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   attemptID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		AttemptID: attemptID,
		ModuleID:  moduleID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	if err := s.rdb.Set(ctx, tokenKey, jti, s.cfg.JWTExpiry).Err(); err != nil {
		return "", fmt.Errorf("register attempt: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *TokenService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ReleaseAttempt removes an attempt's token registration, allowing a fresh
// mint. Called when the host platform finalizes the attempt.
func (s *TokenService) ReleaseAttempt(ctx context.Context, attemptID string) error {
	return s.rdb.Del(ctx, config.CacheKey.AttemptTokenKey(attemptID)).Err()
}
