package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/kairon-os/kairon/internal/ledger"
)

// Author identifies the sender of a message or reaction.
type Author struct {
	ID          string `json:"id"`
	Login       string `json:"login,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// MessagePayload is the payload of a message event.
type MessagePayload struct {
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Author    Author `json:"author"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Thread is the conversation a message belongs to: its thread, or else its
// channel.
func (m MessagePayload) Thread() string {
	return firstNonEmpty(m.ThreadID, m.ChannelID)
}

// ReactionPayload is the payload of a reaction event.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Author    Author `json:"author"`
}

// CorrectionPayload is the payload of a correction event. An empty Data
// rejects the projection instead of replacing it.
type CorrectionPayload struct {
	ProjectionID   string            `json:"projection_id"`
	Data           json.RawMessage   `json:"data,omitempty"`
	Reason         ledger.VoidReason `json:"reason,omitempty"`
	ProjectionType string            `json:"projection_type,omitempty"`
}

// TriggerPayload is the payload of a scheduled-trigger event.
type TriggerPayload struct {
	Job           string `json:"job"`
	Tick          string `json:"tick"`
	TriggerReason string `json:"trigger_reason,omitempty"`
}

func decodePayload(ev ledger.Event, v any) error {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ledger.ErrValidation, ev.EventType, err)
	}
	return nil
}

// MessageKey derives the idempotency key of a message event.
func MessageKey(p MessagePayload) (string, error) {
	return ledger.DeriveIdempotencyKey(ledger.EventMessage, p.MessageID)
}

// ReactionKey derives the idempotency key of a reaction event.
func ReactionKey(p ReactionPayload) (string, error) {
	return ledger.DeriveIdempotencyKey(ledger.EventReaction, p.MessageID, p.Emoji, p.Author.ID)
}
