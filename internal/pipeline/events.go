package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kairon-os/kairon/internal/bus"
	"github.com/kairon-os/kairon/internal/ledger"
)

type reactionAction int

const (
	reactConfirm reactionAction = iota + 1
	reactReject
)

var reactionTable = map[string]reactionAction{
	"✅":  reactConfirm,
	"👍":  reactConfirm,
	"❌":  reactReject,
	"🗑️": reactReject,
	"🗑":  reactReject,
	"👎":  reactReject,
}

// handleReaction confirms or rejects the current projections of the message
// the reaction was added to.
func (p *Pipeline) handleReaction(ctx context.Context, run Run) (Run, error) {
	var r ReactionPayload
	if err := decodePayload(run.Event, &r); err != nil {
		return run, err
	}
	action, ok := reactionTable[r.Emoji]
	if !ok {
		slog.Debug("Reaction ignored", "event_id", run.Event.ID, "emoji", r.Emoji)
		return run, nil
	}
	key, err := ledger.DeriveIdempotencyKey(ledger.EventMessage, r.MessageID)
	if err != nil {
		return run, err
	}
	target, err := p.ledger.GetEventByKey(ctx, ledger.EventMessage, key)
	if errors.Is(err, ledger.ErrNotFound) {
		slog.Info("Reaction to unknown message", "event_id", run.Event.ID, "message_id", r.MessageID)
		return run, nil
	}
	if err != nil {
		return run, err
	}
	projs, err := p.ledger.ProjectionsForEvent(ctx, target.ID)
	if err != nil {
		return run, err
	}
	for _, proj := range projs {
		if proj.Status == ledger.StatusVoided || proj.SupersededByProjectionID != "" {
			continue
		}
		switch action {
		case reactConfirm:
			if proj.Status != ledger.StatusPending {
				continue
			}
			if _, err := p.ledger.Confirm(ctx, proj.ID); err != nil {
				return run, err
			}
		case reactReject:
			if _, err := p.ledger.Reject(ctx, proj.ID); err != nil {
				return run, err
			}
		}
		run = run.withAffected(proj.ID)
	}
	slog.Info("Reaction applied", "event_id", run.Event.ID, "target_event", target.ID, "emoji", r.Emoji, "projections", len(run.Affected))
	return run, nil
}

// handleCorrection replaces or rejects a projection.
func (p *Pipeline) handleCorrection(ctx context.Context, run Run) (Run, error) {
	var c CorrectionPayload
	if err := decodePayload(run.Event, &c); err != nil {
		return run, err
	}
	if c.ProjectionID == "" {
		return run, fmt.Errorf("%w: correction requires projection_id", ledger.ErrValidation)
	}
	if len(c.Data) == 0 || string(c.Data) == "null" {
		rejected, err := p.ledger.Reject(ctx, c.ProjectionID)
		if err != nil {
			return run, err
		}
		return run.withAffected(rejected.ID), nil
	}

	projectionType := c.ProjectionType
	if projectionType == "" {
		current, err := p.ledger.GetProjection(ctx, c.ProjectionID)
		if err != nil {
			return run, err
		}
		projectionType = current.ProjectionType
	}
	data, err := ledger.DecodeProjectionData(projectionType, c.Data)
	if err != nil {
		return run, err
	}
	old, replacement, err := p.ledger.Correct(ctx, ledger.Correction{ProjectionID: c.ProjectionID, Data: data, Reason: c.Reason})
	if err != nil {
		return run, err
	}
	slog.Info("Projection corrected", "event_id", run.Event.ID, "old", old.ID, "new", replacement.ID, "reason", old.VoidedReason)
	return run.withProjections(replacement).withAffected(old.ID), nil
}

// handleTrigger hands a scheduled tick to the pulse sub-pipeline.
func (p *Pipeline) handleTrigger(ctx context.Context, run Run) (Run, error) {
	var t TriggerPayload
	if err := decodePayload(run.Event, &t); err != nil {
		return run, err
	}
	return p.dispatch(run, &bus.Task{
		Kind:    bus.TaskPulse,
		EventID: run.Event.ID,
		Text:    firstNonEmpty(t.TriggerReason, t.Job),
		Meta:    map[string]string{"job": t.Job, "tick": t.Tick},
	})
}
