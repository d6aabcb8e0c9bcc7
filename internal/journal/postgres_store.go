package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq" // PostgreSQL driver
)

const schema = `
CREATE TABLE IF NOT EXISTS workerlink_transactions (
	id           TEXT        NOT NULL,
	endpoint_id  TEXT        NOT NULL,
	op           TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	duration_ns  BIGINT      NOT NULL,
	error        TEXT        NOT NULL DEFAULT '',
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (endpoint_id, id)
)`

// PostgresStore writes entries to the workerlink_transactions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to dsn and creates the table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal table: %w", err)
	}

	slog.Info("[Journal] PostgreSQL store ready")
	return &PostgresStore{db: db}, nil
}

// Insert copies the batch in one transaction.
func (s *PostgresStore) Insert(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("workerlink_transactions",
		"id", "endpoint_id", "op", "status", "started_at", "duration_ns", "error"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.EndpointID, e.Op, e.Status, e.Started, int64(e.Duration), e.Error); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy entry %s: %w", e.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}
	return tx.Commit()
}

// Recent returns up to limit entries, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_id, op, status, started_at, duration_ns, error
		FROM workerlink_transactions
		ORDER BY recorded_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var durationNS int64
		if err := rows.Scan(&e.ID, &e.EndpointID, &e.Op, &e.Status, &e.Started, &durationNS, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Duration = time.Duration(durationNS)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
