package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxKeyLength = 200

// Submission is the inbound envelope handed to the event store.
type Submission struct {
	EventType      string          `json:"event_type"`
	Source         string          `json:"source"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Validate reports every missing or malformed field at once.
func (s Submission) Validate() error {
	var missing []string
	if strings.TrimSpace(s.EventType) == "" {
		missing = append(missing, "event_type")
	}
	if strings.TrimSpace(s.Source) == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(s.IdempotencyKey) == "" {
		missing = append(missing, "idempotency_key")
	}
	if len(bytes.TrimSpace(s.Payload)) == 0 {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(s.Payload, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrValidation)
	}
	return nil
}

// DeriveIdempotencyKey builds a deterministic key from identifying parts.
// Empty parts are skipped; if nothing remains an error is returned.
func DeriveIdempotencyKey(eventType string, parts ...string) (string, error) {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("%w: no identifying fields for %s idempotency key", ErrValidation, eventType)
	}
	key := strings.Join(kept, ":")
	if len(key) > maxKeyLength {
		sum := sha256.Sum256([]byte(eventType + "\x00" + key))
		key = "sha256:" + hex.EncodeToString(sum[:])
	}
	return key, nil
}

// TriggerKey is the idempotency key of a scheduled trigger: one event per job
// and tick, however many processes fire it.
func TriggerKey(job, tick string) (string, error) {
	job, tick = strings.TrimSpace(job), strings.TrimSpace(tick)
	if job == "" || tick == "" {
		return "", fmt.Errorf("%w: scheduled trigger key needs job and tick", ErrValidation)
	}
	return DeriveIdempotencyKey(EventScheduledTrigger, "scheduled", job, tick)
}

// SubmitEvent stores the submission once. A repeated (event_type,
// idempotency_key) returns the stored row with created=false.
func (s *Service) SubmitEvent(ctx context.Context, sub Submission) (Event, bool, error) {
	if err := sub.Validate(); err != nil {
		return Event{}, false, err
	}
	id := s.newID()
	res, err := s.exec(ctx, s.db, `INSERT INTO events (id, received_at, event_type, source, payload, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_type, idempotency_key) DO NOTHING`,
		id, s.now(), sub.EventType, sub.Source, string(sub.Payload), sub.IdempotencyKey)
	if err != nil {
		return Event{}, false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Event{}, false, fmt.Errorf("insert event: %w", err)
	}
	ev, err := s.GetEventByKey(ctx, sub.EventType, sub.IdempotencyKey)
	if err != nil {
		return Event{}, false, err
	}
	return ev, n == 1, nil
}

const eventColumns = `id, received_at, event_type, source, payload, idempotency_key, processed_at`

// GetEvent returns an event by id.
func (s *Service) GetEvent(ctx context.Context, id string) (Event, error) {
	ev, err := scanEvent(s.queryRow(ctx, s.db, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// GetEventByKey returns the event stored for (eventType, key).
func (s *Service) GetEventByKey(ctx context.Context, eventType, key string) (Event, error) {
	ev, err := scanEvent(s.queryRow(ctx, s.db,
		`SELECT `+eventColumns+` FROM events WHERE event_type = ? AND idempotency_key = ?`, eventType, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("event %s/%s: %w", eventType, key, ErrNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event by key: %w", err)
	}
	return ev, nil
}

// Submission returns the submission the event was stored from.
func (e Event) Submission() Submission {
	return Submission{EventType: e.EventType, Source: e.Source, Payload: e.Payload, IdempotencyKey: e.IdempotencyKey}
}

// UnprocessedEvents returns up to limit events received before the given time
// whose run never reached a final outcome, oldest first.
func (s *Service) UnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, s.db, `SELECT `+eventColumns+` FROM events
		WHERE processed_at IS NULL AND received_at < ?
		ORDER BY received_at, id LIMIT ?`, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("unprocessed events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkProcessed records that the event's run reached a final outcome. It is
// a no-op for an event already marked.
func (s *Service) MarkProcessed(ctx context.Context, eventID string) error {
	return s.markProcessed(ctx, s.db, eventID)
}

func (s *Service) markProcessed(ctx context.Context, e execer, eventID string) error {
	if _, err := s.exec(ctx, e, `UPDATE events SET processed_at = ? WHERE id = ? AND processed_at IS NULL`, s.now(), eventID); err != nil {
		return fmt.Errorf("mark event %s processed: %w", eventID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		ev          Event
		payload     string
		processedAt sql.NullTime
	)
	if err := row.Scan(&ev.ID, &ev.ReceivedAt, &ev.EventType, &ev.Source, &payload, &ev.IdempotencyKey, &processedAt); err != nil {
		return Event{}, err
	}
	ev.Payload = json.RawMessage(payload)
	ev.ProcessedAt = nullTime(processedAt)
	return ev, nil
}
