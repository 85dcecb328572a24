package launchdb

import (
	"context"
	"database/sql"
	"errors"

	"launchpad/internal/launch/saga"
	"launchpad/internal/ledger"
)

// PostgresJournal persists payment attempts and their step transitions.
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal constructs a journal backed by Postgres.
func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

// NewPostgresJournalWithSchema initializes the schema then returns the journal.
func NewPostgresJournalWithSchema(ctx context.Context, db *sql.DB) (*PostgresJournal, error) {
	journal := NewPostgresJournal(db)
	if err := journal.InitSchema(ctx); err != nil {
		return nil, err
	}
	return journal, nil
}

// InitSchema creates the attempt tables if they do not exist.
func (j *PostgresJournal) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS launch_attempts (
			attempt_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			total NUMERIC(20, 0) NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS launch_attempt_steps (
			id BIGSERIAL PRIMARY KEY,
			attempt_id TEXT NOT NULL,
			step TEXT NOT NULL,
			state TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (attempt_id) REFERENCES launch_attempts(attempt_id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Begin records an attempt, refreshing the total when a retry re-enters it.
// An attempt id already owned by someone else yields saga.ErrAttemptConflict.
func (j *PostgresJournal) Begin(ctx context.Context, attemptID, requestID, owner string, total ledger.Amount) error {
	if attemptID == "" || owner == "" {
		return errors.New("attempt id and owner are required")
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO launch_attempts (attempt_id, request_id, owner, total, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (attempt_id) DO UPDATE
		SET total = EXCLUDED.total, updated_at = NOW()
		WHERE launch_attempts.owner = EXCLUDED.owner`,
		attemptID, requestID, owner, total.String(), string(saga.StatusCalculating),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrAttemptConflict
	}
	return nil
}

// UpdateStatus updates the attempt's status and timestamp.
func (j *PostgresJournal) UpdateStatus(ctx context.Context, attemptID string, status saga.Status) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE launch_attempts
		SET status = $2, updated_at = NOW()
		WHERE attempt_id = $1`,
		attemptID, string(status),
	)
	return err
}

// AddStep appends a step row.
func (j *PostgresJournal) AddStep(ctx context.Context, attemptID string, step saga.Step, state saga.StepState, detail string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO launch_attempt_steps (attempt_id, step, state, detail)
		VALUES ($1, $2, $3, $4)`,
		attemptID, step.String(), string(state), detail,
	)
	return err
}

// Steps returns the recorded transitions of an attempt, oldest first.
func (j *PostgresJournal) Steps(ctx context.Context, attemptID string) ([]StepRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT step, state, COALESCE(detail, '')
		FROM launch_attempt_steps
		WHERE attempt_id = $1
		ORDER BY id`,
		attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepRow
	for rows.Next() {
		var row StepRow
		if err := rows.Scan(&row.Step, &row.State, &row.Detail); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// StepRow is one journaled step transition.
type StepRow struct {
	Step   string `json:"step"`
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

var _ saga.Journal = (*PostgresJournal)(nil)
