// Package ingress decodes inbound submission envelopes from Kafka and HTTP
// and hands them to the pipeline's queue.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kairon-os/kairon/internal/bus"
	"github.com/kairon-os/kairon/internal/ledger"
)

// Publisher queues a decoded submission. Implemented by bus.MessageBus.
type Publisher interface {
	Publish(ctx context.Context, msg *bus.Inbound) error
}

// Envelope is the wire form of a submission.
type Envelope struct {
	EventType      string          `json:"event_type"`
	Source         string          `json:"source,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Submission converts the envelope, filling the source with defaultSource
// and deriving the idempotency key from the payload when it is missing.
func (e Envelope) Submission(defaultSource string) (ledger.Submission, error) {
	sub := ledger.Submission{
		EventType:      strings.TrimSpace(e.EventType),
		Source:         strings.TrimSpace(e.Source),
		Payload:        e.Payload,
		IdempotencyKey: strings.TrimSpace(e.IdempotencyKey),
	}
	if sub.Source == "" {
		sub.Source = defaultSource
	}
	if sub.IdempotencyKey == "" && sub.EventType != "" {
		key, err := DeriveKey(sub.EventType, sub.Payload)
		if err != nil {
			return sub, err
		}
		sub.IdempotencyKey = key
	}
	if err := sub.Validate(); err != nil {
		return sub, err
	}
	return sub, nil
}

// DecodeEnvelope parses a JSON envelope into a validated submission.
func DecodeEnvelope(data []byte, defaultSource string) (ledger.Submission, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ledger.Submission{}, fmt.Errorf("%w: envelope: %v", ledger.ErrValidation, err)
	}
	return env.Submission(defaultSource)
}

// keyFields are the identifying payload fields for each well-known event type.
type keyFields struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Author    struct {
		ID string `json:"id"`
	} `json:"author"`
	ProjectionID string `json:"projection_id"`
	CorrectionID string `json:"correction_id"`
	Job          string `json:"job"`
	Tick         string `json:"tick"`
}

// DeriveKey builds an idempotency key from the identifying fields of payload.
// It fails when the payload carries none.
func DeriveKey(eventType string, payload json.RawMessage) (string, error) {
	var f keyFields
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &f); err != nil {
			return "", fmt.Errorf("%w: payload: %v", ledger.ErrValidation, err)
		}
	}
	switch eventType {
	case ledger.EventMessage:
		return ledger.DeriveIdempotencyKey(eventType, f.MessageID)
	case ledger.EventReaction:
		return ledger.DeriveIdempotencyKey(eventType, f.MessageID, f.Emoji, f.Author.ID)
	case ledger.EventCorrection:
		return ledger.DeriveIdempotencyKey(eventType, f.CorrectionID, f.ID)
	case ledger.EventScheduledTrigger:
		return ledger.TriggerKey(f.Job, f.Tick)
	default:
		return ledger.DeriveIdempotencyKey(eventType, f.ID)
	}
}
