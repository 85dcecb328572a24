package launchdb

import (
	"context"
	"database/sql"
	"time"

	"launchpad/internal/statussync"
)

// PostgresStatusLog keeps an append-only history of observed entity states.
type PostgresStatusLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStatusLog constructs a status log backed by Postgres.
func NewPostgresStatusLog(db *sql.DB) *PostgresStatusLog {
	return &PostgresStatusLog{db: db, now: time.Now}
}

// NewPostgresStatusLogWithSchema initializes the schema then returns the log.
func NewPostgresStatusLogWithSchema(ctx context.Context, db *sql.DB) (*PostgresStatusLog, error) {
	log := NewPostgresStatusLog(db)
	if err := log.InitSchema(ctx); err != nil {
		return nil, err
	}
	return log, nil
}

// InitSchema creates the entity_status_history table if it does not exist.
func (s *PostgresStatusLog) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entity_status_history (
			id BIGSERIAL PRIMARY KEY,
			entity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			processing BOOLEAN NOT NULL,
			data JSONB,
			observed_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Record inserts a new history row.
func (s *PostgresStatusLog) Record(ctx context.Context, detail statussync.EntityDetail) error {
	var data any
	if len(detail.Data) > 0 {
		data = string(detail.Data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_status_history (entity_id, kind, status, processing, data, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, detail.ID, detail.Kind, detail.Status, detail.Processing, data, s.now().UTC())
	return err
}

// Callback adapts Record to a sync subscription. Failures are logged, never retried.
func (s *PostgresStatusLog) Callback(timeout time.Duration, logf func(string, ...any)) statussync.Callback {
	return func(detail statussync.EntityDetail) {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := s.Record(ctx, detail); err != nil && logf != nil {
			logf("status log entity=%s: %v", detail.ID, err)
		}
	}
}
