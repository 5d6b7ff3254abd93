package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog records job lifecycle events in Postgres.
type AuditLog struct {
	pool *pgxpool.Pool
}

// AuditEvent is one row of the audit table.
type AuditEvent struct {
	JobID    string    `json:"job_id"`
	FilterID string    `json:"filter_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// NewAuditLog creates a pooled connection to Postgres and applies the audit migrations.
func NewAuditLog(ctx context.Context, dsn string) (*AuditLog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a := &AuditLog{pool: pool}
	if err := a.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// RunMigrations executes the embedded Postgres migrations.
func (a *AuditLog) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "migrations/postgres", func(ctx context.Context, sql string) error {
		_, err := a.pool.Exec(ctx, sql)
		return err
	})
}

func (a *AuditLog) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// AppendAudit adds an audit row.
func (a *AuditLog) AppendAudit(ctx context.Context, jobID, filterID, event, detail string) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO search_audit_logs (job_id, filter_id, event, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, jobID, filterID, event, detail)
	return err
}

// History returns the events of a job, oldest first.
func (a *AuditLog) History(ctx context.Context, jobID string) ([]AuditEvent, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT job_id, filter_id, event, detail, ts
		FROM search_audit_logs WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AuditEvent, error) {
		var e AuditEvent
		err := row.Scan(&e.JobID, &e.FilterID, &e.Event, &e.Detail, &e.Recorded)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit history: %w", err)
	}
	return events, nil
}
