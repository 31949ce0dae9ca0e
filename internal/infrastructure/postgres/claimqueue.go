package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medflow/go-cie/internal/claims"
)

// batchLockID is the advisory lock shared by all EDI batch runners. Only one
// runner generates files at a time.
const batchLockID = int64(837005010)

// QueuedClaim is one claim awaiting EDI file generation.
type QueuedClaim struct {
	ID          int64
	ClaimID     string
	Claim       json.RawMessage
	EnqueuedAt  time.Time
	GeneratedAt *time.Time
	FilePath    *string
	RetryCount  int
	LastError   *string
}

// Decode unmarshals the stored claim payload.
func (q *QueuedClaim) Decode() (*claims.Claim, error) {
	var c claims.Claim
	if err := json.Unmarshal(q.Claim, &c); err != nil {
		return nil, fmt.Errorf("decode queued claim %s: %w", q.ClaimID, err)
	}
	return &c, nil
}

// QueueConfig sizes the batch fetch.
type QueueConfig struct {
	// BatchSize is how many claims one fetch may return
	BatchSize int
	// MaxRetries is how many generation failures a claim tolerates before it
	// is skipped by subsequent batches
	MaxRetries int
}

// DefaultQueueConfig returns defaults for the nightly batch.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BatchSize:  100,
		MaxRetries: 5,
	}
}

// ClaimQueue is the work queue feeding the EDI batch generator. Claims are
// enqueued by the API and drained by the batch runner under an advisory lock.
type ClaimQueue struct {
	pool   *pgxpool.Pool
	config QueueConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewClaimQueue creates a queue backed by the pool.
func NewClaimQueue(pool *pgxpool.Pool, cfg QueueConfig, logger *zap.Logger) *ClaimQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultQueueConfig().BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultQueueConfig().MaxRetries
	}
	return &ClaimQueue{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("claim-queue"),
	}
}

// Enqueue adds a claim to the generation queue.
func (q *ClaimQueue) Enqueue(ctx context.Context, claim *claims.Claim) error {
	payload, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claim %s: %w", claim.ClaimID, err)
	}

	query := `
		INSERT INTO edi_claim_queue (claim_id, claim, enqueued_at)
		VALUES ($1, $2, NOW())
	`
	if _, err := q.pool.Exec(ctx, query, claim.ClaimID, payload); err != nil {
		return fmt.Errorf("enqueue claim %s: %w", claim.ClaimID, err)
	}
	return nil
}

// TryLock acquires the batch advisory lock. Returns false when another
// runner holds it.
func (q *ClaimQueue) TryLock(ctx context.Context) (bool, error) {
	var acquired bool
	if err := q.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", batchLockID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("acquire batch lock: %w", err)
	}
	return acquired, nil
}

// Unlock releases the batch advisory lock.
func (q *ClaimQueue) Unlock(ctx context.Context) {
	if _, err := q.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", batchLockID); err != nil {
		q.logger.Warn("release batch lock failed", zap.Error(err))
	}
}

// FetchPending returns the next batch of claims awaiting generation, oldest
// first. Rows being worked by a concurrent transaction are skipped.
func (q *ClaimQueue) FetchPending(ctx context.Context) ([]*QueuedClaim, error) {
	ctx, span := q.tracer.Start(ctx, "claim_queue_fetch")
	defer span.End()

	query := `
		SELECT id, claim_id, claim, enqueued_at, retry_count, last_error
		FROM edi_claim_queue
		WHERE generated_at IS NULL
		  AND retry_count < $1
		ORDER BY enqueued_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, err := q.pool.Query(ctx, query, q.config.MaxRetries, q.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch pending claims: %w", err)
	}
	defer rows.Close()

	var pending []*QueuedClaim
	for rows.Next() {
		qc := &QueuedClaim{}
		if err := rows.Scan(
			&qc.ID, &qc.ClaimID, &qc.Claim, &qc.EnqueuedAt, &qc.RetryCount, &qc.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan queued claim: %w", err)
		}
		pending = append(pending, qc)
	}
	span.SetAttributes(attribute.Int("batch_size", len(pending)))
	return pending, rows.Err()
}

// MarkGenerated records the output file for a claim and removes it from
// future batches.
func (q *ClaimQueue) MarkGenerated(ctx context.Context, id int64, filePath string) error {
	query := `
		UPDATE edi_claim_queue
		SET generated_at = NOW(), file_path = $1, last_error = NULL
		WHERE id = $2
	`
	if _, err := q.pool.Exec(ctx, query, filePath, id); err != nil {
		return fmt.Errorf("mark claim generated: %w", err)
	}
	return nil
}

// MarkFailed bumps the retry count and records the failure cause.
func (q *ClaimQueue) MarkFailed(ctx context.Context, id int64, cause error) error {
	query := `
		UPDATE edi_claim_queue
		SET retry_count = retry_count + 1, last_error = $1
		WHERE id = $2
	`
	if _, err := q.pool.Exec(ctx, query, cause.Error(), id); err != nil {
		return fmt.Errorf("mark claim failed: %w", err)
	}
	return nil
}

// QueueStats summarizes queue depth for monitoring.
type QueueStats struct {
	Pending       int64
	Generated     int64
	Exhausted     int64
	OldestPending *time.Time
}

// Stats returns current queue depth. Generated counts the last 24 hours.
func (q *ClaimQueue) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	err := q.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM edi_claim_queue WHERE generated_at IS NULL AND retry_count < $1",
		q.config.MaxRetries).Scan(&stats.Pending)
	if err != nil {
		return nil, err
	}

	err = q.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM edi_claim_queue WHERE generated_at IS NOT NULL AND generated_at > NOW() - INTERVAL '24 hours'").Scan(&stats.Generated)
	if err != nil {
		return nil, err
	}

	err = q.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM edi_claim_queue WHERE generated_at IS NULL AND retry_count >= $1",
		q.config.MaxRetries).Scan(&stats.Exhausted)
	if err != nil {
		return nil, err
	}

	q.pool.QueryRow(ctx,
		"SELECT MIN(enqueued_at) FROM edi_claim_queue WHERE generated_at IS NULL").Scan(&stats.OldestPending)

	return stats, nil
}
