package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kairon-os/kairon/internal/bus"
	"github.com/kairon-os/kairon/internal/extract"
	"github.com/kairon-os/kairon/internal/ledger"
	"github.com/kairon-os/kairon/internal/router"
)

func (p *Pipeline) handleMessage(ctx context.Context, run Run) (Run, error) {
	var msg MessagePayload
	if err := decodePayload(run.Event, &msg); err != nil {
		return run, err
	}
	if strings.TrimSpace(msg.Content) == "" {
		slog.Info("Empty message stored without processing", "event_id", run.Event.ID)
		return run, nil
	}

	d, stored, err := p.storedRoute(ctx, run)
	if err != nil {
		return run, err
	}
	if stored != nil {
		run = run.withStep(*stored, nil)
	} else {
		d = p.router.Route(ctx, msg.Content)
	}
	run = run.withRoute(d.Intent)
	slog.Info("Message routed",
		"event_id", run.Event.ID,
		"intent", d.Intent,
		"tagged", d.Deterministic(),
		"resumed", stored != nil,
		"preview", router.Preview(d.Text, 40))

	if d.Classified {
		if run, err = p.recordClassification(ctx, run, d); err != nil {
			return run, err
		}
	}

	switch {
	case d.Intent.IsCapture():
		return p.captureTagged(ctx, run, d)
	case d.Intent == router.IntentCapture:
		return p.captureMulti(ctx, run, d)
	case d.Intent == router.IntentCommand:
		return p.runCommand(ctx, run, d.Text)
	case d.Intent == router.IntentSaveConversation:
		thread := msg.Thread()
		if thread == "" {
			return run.withReply("There is no conversation thread to save."), nil
		}
		return p.dispatch(run, &bus.Task{
			Kind:       bus.TaskSaveConversation,
			EventID:    run.Event.ID,
			TraceChain: run.lastChain(),
			Text:       d.Text,
			ThreadID:   thread,
		})
	default:
		return p.dispatch(run, &bus.Task{
			Kind:       bus.TaskConversation,
			EventID:    run.Event.ID,
			TraceChain: run.lastChain(),
			Text:       d.Text,
			ThreadID:   firstNonEmpty(msg.Thread(), run.Event.ID),
		})
	}
}

// storedRoute returns the routing of a resumed run from its stored
// classification trace, so an interrupted run is not classified twice. The
// trace is nil when there is nothing to reuse.
func (p *Pipeline) storedRoute(ctx context.Context, run Run) (router.Decision, *ledger.Trace, error) {
	if !run.Resumed {
		return router.Decision{}, nil, nil
	}
	traces, err := p.ledger.TracesForEvent(ctx, run.Event.ID)
	if err != nil {
		return router.Decision{}, nil, fmt.Errorf("load traces: %w", err)
	}
	for _, t := range traces {
		c, ok := t.Data.(ledger.ClassificationResult)
		if !ok || t.StepOrder() != 1 || t.VoidedAt != nil {
			continue
		}
		d := router.Decision{Intent: router.Intent(c.Intent), Text: c.Input, FallbackReason: c.FallbackReason}
		return d, &t, nil
	}
	return router.Decision{}, nil, nil
}

// recordClassification writes the root trace of an untagged message.
func (p *Pipeline) recordClassification(ctx context.Context, run Run, d router.Decision) (Run, error) {
	data := ledger.ClassificationResult{
		ReasoningMeta: d.Classification.Meta,
		Intent:        string(d.Intent),
		Confidence:    d.Classification.Confidence,
		Reasoning:     d.Classification.Reasoning,
		Input:         d.Text,
	}
	if d.FallbackReason != "" {
		data.Fallback = true
		data.FallbackReason = d.FallbackReason
	}
	trace, _, err := p.ledger.RecordStep(ctx, ledger.TraceInput{EventID: run.Event.ID, Data: data}, nil)
	if err != nil {
		return run, fmt.Errorf("record classification: %w", err)
	}
	return run.withStep(trace, nil), nil
}

// captureTagged stores one auto-confirmed projection of the tagged kind. A
// failed reasoning call still stores the raw text.
func (p *Pipeline) captureTagged(ctx context.Context, run Run, d router.Decision) (Run, error) {
	if d.Text == "" {
		return run.withReply(fmt.Sprintf("Nothing to record after the %s tag.", d.Intent)), nil
	}
	kind := string(d.Intent)
	vocab, err := p.vocabulary(ctx, kind)
	if err != nil {
		return run, err
	}
	res, rerr := p.reasoner.ExtractSingle(ctx, kind, d.Text, vocab)
	if rerr != nil {
		slog.Warn("Single extraction failed, storing raw text", "event_id", run.Event.ID, "kind", kind, "error", rerr)
		res.Kind = kind
		res.Category = ""
		res.Title = ""
		res.Text = d.Text
		res.Priority = ""
		res.Fallback = true
		res.FallbackReason = rerr.Error()
	}
	if strings.TrimSpace(res.Text) == "" {
		res.Text = d.Text
	}

	trace, projs, err := p.ledger.RecordStep(ctx,
		ledger.TraceInput{EventID: run.Event.ID, Parent: run.lastChain(), Data: res, Final: true},
		[]ledger.ProjectionInput{{Data: taggedProjection(res), Status: ledger.StatusAutoConfirmed}})
	if err != nil {
		return run, fmt.Errorf("record %s capture: %w", kind, err)
	}
	return run.withStep(trace, projs), nil
}

func taggedProjection(res ledger.SingleExtractionResult) ledger.ProjectionData {
	category := extract.NormalizeCategory(res.Category)
	text := strings.TrimSpace(res.Text)
	switch res.Kind {
	case ledger.TypeNote:
		return ledger.Note{Category: category, Title: res.Title, Text: text, Confidence: 1}
	case ledger.TypeTodo:
		return ledger.Todo{Category: category, Description: text, Priority: res.Priority, Confidence: 1}
	default:
		return ledger.Activity{Category: category, Description: text, Confidence: 1}
	}
}

// captureMulti runs one multi-extraction call and stores every sub-result
// that passes the gate under a single trace.
func (p *Pipeline) captureMulti(ctx context.Context, run Run, d router.Decision) (Run, error) {
	vocab, err := p.vocabulary(ctx, "")
	if err != nil {
		return run, err
	}
	out, xerr := p.extract.Extract(ctx, d.Text, vocab)
	if xerr != nil {
		res := out.Result
		res.Input = d.Text
		res.Fallback = true
		res.FallbackReason = xerr.Error()
		trace, _, err := p.ledger.RecordStep(ctx, ledger.TraceInput{EventID: run.Event.ID, Parent: run.lastChain(), Data: res, Final: true}, nil)
		if err != nil {
			return run, fmt.Errorf("record failed extraction: %w", err)
		}
		run = run.withStep(trace, nil).withReply("I could not process that message; it has been saved and can be retried.")
		return run, fmt.Errorf("%w: %w", ErrReasoning, xerr)
	}
	for _, c := range out.Dropped {
		slog.Debug("Extraction candidate below gate", "event_id", run.Event.ID, "type", c.Data.ProjectionType(), "confidence", c.Confidence)
	}

	trace, projs, err := p.ledger.RecordStep(ctx,
		ledger.TraceInput{EventID: run.Event.ID, Parent: run.lastChain(), Data: out.Result, Final: true},
		out.Accepted)
	if err != nil {
		return run, fmt.Errorf("record extraction: %w", err)
	}
	return run.withStep(trace, projs), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
