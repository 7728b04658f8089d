package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-timesync/internal/config"
)

const (
	CompletionBatchSize    = 50
	CompletionBatchTimeout = 2 * time.Second
	CompletionPollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// CompletionWorker consumes persist_completions_queue and records attempt
// completions in PostgreSQL. Several tabs can enqueue the same time-up; the
// insert is keyed on attempt_id so duplicates collapse.
type CompletionWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewCompletionWorker creates a new CompletionWorker.
func NewCompletionWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *CompletionWorker {
	return &CompletionWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "completion_worker").Logger(),
	}
}

type completionPayload struct {
	AttemptID          string `json:"attempt_id"`
	ModuleID           string `json:"module_id"`
	Mode               string `json:"mode"`
	ExpectedDurationMs int64  `json:"expected_duration_ms"`
	CompletedAt        int64  `json:"completed_at"`
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *CompletionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("CompletionWorker started")

	batch := make([]*completionPayload, 0, CompletionBatchSize)
	lastFlush := time.Now()

	for {
		// Should flush?
		if len(batch) > 0 &&
			(len(batch) >= CompletionBatchSize || time.Since(lastFlush) >= CompletionBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, CompletionPollTimeout, config.WorkerKey.PersistCompletionsQueue).Result()
			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var p completionPayload
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				// Malformed JSON cannot be retried. Log and discard.
				w.log.Error().Err(err).Str("data", item[1]).Msg("Discarding malformed payload")
				continue
			}

			batch = append(batch, &p)
		}
	}
}

// flushSafe attempts the bulk insert, then falls back to row-by-row with
// requeue so a database outage loses nothing.
func (w *CompletionWorker) flushSafe(ctx context.Context, batch []*completionPayload) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

// bulkInsert records the whole batch with one UNNEST insert. Duplicate
// attempt IDs (several tabs announcing the same time-up) collapse on the
// conflict target.
func (w *CompletionWorker) bulkInsert(ctx context.Context, batch []*completionPayload) error {
	n := len(batch)

	attemptIDs := make([]string, 0, n)
	moduleIDs := make([]string, 0, n)
	modes := make([]string, 0, n)
	durations := make([]int64, 0, n)
	completedAts := make([]time.Time, 0, n)

	for _, p := range batch {
		attemptIDs = append(attemptIDs, p.AttemptID)
		moduleIDs = append(moduleIDs, p.ModuleID)
		modes = append(modes, p.Mode)
		durations = append(durations, p.ExpectedDurationMs)
		completedAts = append(completedAts, time.Unix(p.CompletedAt, 0))
	}

	query := `
		INSERT INTO attempt_completions (attempt_id, module_id, mode, expected_duration_ms, completed_at)
		SELECT u.attempt_id, u.module_id, u.mode, u.expected_duration_ms, u.completed_at
		FROM UNNEST(
			$1::text[],
			$2::text[],
			$3::text[],
			$4::bigint[],
			$5::timestamptz[]
		) AS u (attempt_id, module_id, mode, expected_duration_ms, completed_at)
		ON CONFLICT (attempt_id) DO NOTHING
	`

	_, err := w.pool.Exec(ctx, query, attemptIDs, moduleIDs, modes, durations, completedAts)
	return err
}

func (w *CompletionWorker) fallbackInsert(ctx context.Context, batch []*completionPayload) {
	requeueList := make([]*completionPayload, 0)

	for _, p := range batch {
		_, err := w.pool.Exec(ctx,
			`INSERT INTO attempt_completions (attempt_id, module_id, mode, expected_duration_ms, completed_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (attempt_id) DO NOTHING`,
			p.AttemptID, p.ModuleID, p.Mode, p.ExpectedDurationMs, time.Unix(p.CompletedAt, 0),
		)
		if err != nil {
			w.log.Error().Err(err).Str("attempt_id", p.AttemptID).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, p)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *CompletionWorker) requeue(ctx context.Context, items []*completionPayload) {
	pipe := w.rdb.Pipeline()
	for _, p := range items {
		data, _ := json.Marshal(p)
		pipe.RPush(ctx, config.WorkerKey.PersistCompletionsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down, but let shutdown through.
	waitOrDone(ctx, 2*time.Second)
}

// waitOrDone sleeps for d or returns early when ctx is cancelled.
func waitOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
