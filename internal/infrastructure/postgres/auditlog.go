package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/go-cie/internal/clearinghouse"
)

// AuditLog is the durable record of every outbound request attempt. Writes
// are best-effort from the pipeline's perspective; the table is append-only.
type AuditLog struct {
	pool *pgxpool.Pool
}

// NewAuditLog creates an audit log backed by the pool.
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

// Insert appends one audit entry.
func (l *AuditLog) Insert(ctx context.Context, entry clearinghouse.AuditEntry) error {
	query := `
		INSERT INTO api_audit_log
			(id, endpoint, method, request_body, response_body, status_code, duration_ms, error, environment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
	`

	if _, err := l.pool.Exec(ctx, query,
		entry.ID, entry.Endpoint, entry.Method,
		entry.RequestBody, entry.ResponseBody,
		entry.StatusCode, entry.DurationMs,
		entry.Error, entry.Environment, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries for an endpoint, most recent first.
func (l *AuditLog) Recent(ctx context.Context, endpoint string, limit int) ([]clearinghouse.AuditEntry, error) {
	query := `
		SELECT id, endpoint, method, request_body, response_body,
		       status_code, duration_ms, COALESCE(error, ''), environment, created_at
		FROM api_audit_log
		WHERE endpoint = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := l.pool.Query(ctx, query, endpoint, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []clearinghouse.AuditEntry
	for rows.Next() {
		var e clearinghouse.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.Endpoint, &e.Method, &e.RequestBody, &e.ResponseBody,
			&e.StatusCode, &e.DurationMs, &e.Error, &e.Environment, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
