package launchdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"launchpad/internal/launch/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func TestPostgresJournal_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS launch_attempts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS launch_attempt_steps").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if err := NewPostgresJournal(db).InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestPostgresJournal_WithSchemaError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS launch_attempts").
		WillReturnError(errors.New("boom"))
	mock.ExpectClose()

	journal, err := NewPostgresJournalWithSchema(context.Background(), db)
	if err == nil {
		t.Fatalf("expected error")
	}
	if journal != nil {
		t.Fatalf("expected nil journal on error")
	}
}

func TestPostgresJournal_Begin(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO launch_attempts").
		WithArgs("attempt-1", "req-1", "owner-1", "102030000", "calculating").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	if err := NewPostgresJournal(db).Begin(context.Background(), "attempt-1", "req-1", "owner-1", 102_030_000); err != nil {
		t.Fatalf("Begin: %v", err)
	}
}

func TestPostgresJournal_BeginConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO launch_attempts").
		WithArgs("attempt-1", "req-1", "intruder", "0", "calculating").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	err := NewPostgresJournal(db).Begin(context.Background(), "attempt-1", "req-1", "intruder", 0)
	if !errors.Is(err, saga.ErrAttemptConflict) {
		t.Fatalf("expected ErrAttemptConflict, got %v", err)
	}
}

func TestPostgresJournal_BeginRequiresIDs(t *testing.T) {
	journal := NewPostgresJournal(nil)
	if err := journal.Begin(context.Background(), "", "req", "owner", 1); err == nil {
		t.Fatalf("expected error for empty attempt id")
	}
	if err := journal.Begin(context.Background(), "attempt", "req", "", 1); err == nil {
		t.Fatalf("expected error for empty owner")
	}
}

func TestPostgresJournal_UpdateStatusAndAddStep(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE launch_attempts").
		WithArgs("attempt-1", "deploying").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO launch_attempt_steps").
		WithArgs("attempt-1", "deploy", "failed", "deployment authority timed out").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectClose()

	journal := NewPostgresJournal(db)
	if err := journal.UpdateStatus(context.Background(), "attempt-1", saga.StatusDeploying); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := journal.AddStep(context.Background(), "attempt-1", saga.StepDeploy, saga.StepFailed, "deployment authority timed out"); err != nil {
		t.Fatalf("AddStep: %v", err)
	}
}

func TestPostgresJournal_Steps(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT step, state").
		WithArgs("attempt-1").
		WillReturnRows(sqlmock.NewRows([]string{"step", "state", "detail"}).
			AddRow("calculate", "started", "").
			AddRow("calculate", "succeeded", ""))
	mock.ExpectClose()

	rows, err := NewPostgresJournal(db).Steps(context.Background(), "attempt-1")
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(rows) != 2 || rows[1].State != "succeeded" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}
