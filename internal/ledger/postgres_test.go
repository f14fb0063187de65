package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockLedger(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	svc := NewService(db, Postgres)
	svc.newID = func() string { return "id-1" }
	return svc, mock
}

func TestSubmitEventPostgresPlaceholders(t *testing.T) {
	svc, mock := newMockLedger(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	mock.ExpectExec(regexp.QuoteMeta(`VALUES ($1, $2, $3, $4, $5, $6)`)).
		WithArgs("id-1", now, "message", "discord", `{"content":"hi"}`, "m1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM events WHERE event_type = $1 AND idempotency_key = $2`)).
		WithArgs("message", "m1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "received_at", "event_type", "source", "payload", "idempotency_key", "processed_at"}).
			AddRow("original", now, "message", "discord", `{"content":"hi"}`, "m1", now))

	ev, created, err := svc.SubmitEvent(context.Background(), Submission{
		EventType: "message", Source: "discord", Payload: json.RawMessage(`{"content":"hi"}`), IdempotencyKey: "m1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created || ev.ID != "original" {
		t.Fatalf("expected conflict to return original row, got created=%v id=%s", created, ev.ID)
	}
	if ev.ProcessedAt == nil || !ev.ProcessedAt.Equal(now) {
		t.Fatalf("expected processed_at from the stored row, got %v", ev.ProcessedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubmitEventStoreUnavailable(t *testing.T) {
	svc, mock := newMockLedger(t)
	down := errors.New("connection refused")
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO events`)).WillReturnError(down)

	_, _, err := svc.SubmitEvent(context.Background(), Submission{
		EventType: "message", Source: "s", Payload: json.RawMessage(`{}`), IdempotencyKey: "k",
	})
	if !errors.Is(err, down) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
}

func TestCorrectRollsBackOnLostRace(t *testing.T) {
	svc, mock := newMockLedger(t)
	now := time.Now().UTC()
	cols := []string{"id", "trace_id", "event_id", "trace_chain", "projection_type", "category", "thread_id", "data", "status",
		"created_at", "confirmed_at", "voided_at", "voided_reason", "superseded_by_projection_id", "supersedes_projection_id"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM projections WHERE id = $1`)).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("p1", "t1", "e1", `["t1"]`, "todo", "", "", `{"description":"milk","confidence":0.6}`,
			"pending", now, nil, nil, nil, nil, nil))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO projections`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE projections`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, _, err := svc.Correct(context.Background(), Correction{ProjectionID: "p1", Data: Todo{Description: "oat milk"}})
	if !errors.Is(err, ErrAlreadyVoided) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
