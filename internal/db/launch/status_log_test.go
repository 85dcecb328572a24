package launchdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"launchpad/internal/statussync"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresStatusLog_Record(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	mock.ExpectExec("INSERT INTO entity_status_history").
		WithArgs("c1", "contract", "active", true, `{"round":3}`, at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectClose()

	log := NewPostgresStatusLog(db)
	log.now = func() time.Time { return at }
	err := log.Record(context.Background(), statussync.EntityDetail{
		ID: "c1", Kind: "contract", Status: statussync.StatusActive, Processing: true, Data: []byte(`{"round":3}`),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestPostgresStatusLog_CallbackLogsFailures(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO entity_status_history").
		WillReturnError(errors.New("db down"))
	mock.ExpectClose()

	var logged []string
	cb := NewPostgresStatusLog(db).Callback(time.Second, func(format string, args ...any) {
		logged = append(logged, format)
	})
	cb(statussync.EntityDetail{ID: "c1", Status: statussync.StatusClosed})

	if len(logged) != 1 {
		t.Fatalf("expected one log line, got %d", len(logged))
	}
}
