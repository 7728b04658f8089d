package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptChannel returns the Redis PubSub channel name carrying tab sync
// envelopes for one attempt.
func (r *CacheKeyStruct) AttemptChannel(attemptID string) string {
	return fmt.Sprintf("attempt:%s:timer", attemptID)
}

// AttemptTokenKey returns the cache key holding the active token ID for an
// attempt, used to reject duplicate token mints.
func (r *CacheKeyStruct) AttemptTokenKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:token", attemptID)
}

var CacheKey = NewCacheKeyStruct()
