package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kairon-os/kairon/internal/bus"
	"github.com/kairon-os/kairon/internal/ledger"
)

const maxBodyBytes = 1 << 20

// requestTimeout bounds the store write and the wait for room in the queue.
const requestTimeout = 5 * time.Second

// EventStore persists submissions. Implemented by ledger.Service.
type EventStore interface {
	SubmitEvent(ctx context.Context, sub ledger.Submission) (ledger.Event, bool, error)
}

func newInbound(sub ledger.Submission) *bus.Inbound {
	return &bus.Inbound{Submission: sub}
}

// NewHTTPHandler serves POST /v1/events and GET /healthz. A submission is
// stored before the request is answered: 202 means the event is durable, and
// any 5xx means the client should retry. Only events whose run has not
// finished are queued.
func NewHTTPHandler(store EventStore, pub Publisher, source string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		if len(body) > maxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		sub, err := DecodeEnvelope(body, source)
		if err != nil {
			status := http.StatusBadRequest
			if !errors.Is(err, ledger.ErrValidation) {
				status = http.StatusInternalServerError
			}
			writeError(w, status, err.Error())
			return
		}

		ctx, cancel := contextWithTimeout(r, requestTimeout)
		defer cancel()
		ev, created, err := store.SubmitEvent(ctx, sub)
		if errors.Is(err, ledger.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			slog.Warn("HTTP ingress: store unavailable", "key", sub.IdempotencyKey, "error", err)
			writeError(w, http.StatusServiceUnavailable, "store unavailable, retry later")
			return
		}
		if ev.ProcessedAt == nil {
			if err := pub.Publish(ctx, newInbound(sub)); err != nil {
				slog.Warn("HTTP ingress: queue unavailable", "event_id", ev.ID, "key", sub.IdempotencyKey, "error", err)
				writeError(w, http.StatusServiceUnavailable, "queue unavailable, retry later")
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"accepted":        true,
			"event_id":        ev.ID,
			"duplicate":       !created,
			"event_type":      ev.EventType,
			"idempotency_key": ev.IdempotencyKey,
		})
	})
	return mux
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": msg})
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
