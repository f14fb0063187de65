package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kairon-os/kairon/internal/bus"
	"github.com/kairon-os/kairon/internal/ledger"
	"github.com/kairon-os/kairon/internal/provider"
	"github.com/kairon-os/kairon/internal/query"
)

// TaskRegistrar is implemented by bus.MessageBus.
type TaskRegistrar interface {
	Handle(kind string, fn bus.TaskHandler)
}

// RegisterTasks installs the sub-pipeline handlers.
func (p *Pipeline) RegisterTasks(r TaskRegistrar) {
	r.Handle(bus.TaskConversation, p.Converse)
	r.Handle(bus.TaskSaveConversation, p.SaveConversation)
	r.Handle(bus.TaskPulse, p.Pulse)
}

// Converse replies to a conversation turn and stores the reply as an
// assistant message in the thread.
func (p *Pipeline) Converse(ctx context.Context, task *bus.Task) error {
	thread, err := p.threadProjections(ctx, task.ThreadID)
	if err != nil {
		return err
	}
	var history []provider.Message
	for _, proj := range thread {
		if m, ok := proj.Data.(ledger.AssistantMessage); ok {
			history = append(history,
				provider.Message{Role: "user", Content: m.Prompt},
				provider.Message{Role: "assistant", Content: m.Text})
		}
	}

	res, rerr := p.reasoner.Converse(ctx, task.ThreadID, history, task.Text)
	var outputs []ledger.ProjectionInput
	if rerr != nil {
		res.Fallback = true
		res.FallbackReason = rerr.Error()
	} else {
		outputs = []ledger.ProjectionInput{{
			Data:   ledger.AssistantMessage{ThreadID: task.ThreadID, Prompt: task.Text, Text: res.Reply},
			Status: ledger.StatusAutoConfirmed,
		}}
	}
	trace, projs, err := p.ledger.RecordStep(ctx, ledger.TraceInput{EventID: task.EventID, Parent: task.TraceChain, Data: res}, outputs)
	if err != nil {
		return fmt.Errorf("record conversation: %w", err)
	}
	if rerr != nil {
		return fmt.Errorf("%w: conversation in thread %s: %w", ErrReasoning, task.ThreadID, rerr)
	}
	slog.Info("Conversation reply stored", "event_id", task.EventID, "thread_id", task.ThreadID, "trace_id", trace.ID, "projection_id", projs[0].ID)
	return nil
}

// SaveConversation summarizes a thread into a thread extraction.
func (p *Pipeline) SaveConversation(ctx context.Context, task *bus.Task) error {
	thread, err := p.threadProjections(ctx, task.ThreadID)
	if err != nil {
		return err
	}
	var lines []string
	for _, proj := range thread {
		if m, ok := proj.Data.(ledger.AssistantMessage); ok {
			lines = append(lines, "user: "+m.Prompt, "assistant: "+m.Text)
		}
	}
	if len(lines) == 0 {
		slog.Info("Nothing to save in thread", "event_id", task.EventID, "thread_id", task.ThreadID)
		return nil
	}
	if task.Text != "" {
		lines = append(lines, "focus: "+task.Text)
	}

	res, rerr := p.reasoner.Summarize(ctx, task.ThreadID, lines)
	return p.recordSummary(ctx, task, res, rerr, func(res ledger.SummaryResult) ledger.ProjectionData {
		return ledger.ThreadExtraction{ThreadID: task.ThreadID, Summary: res.Summary, Items: res.Items}
	})
}

// Pulse summarizes recent records into an assistant message.
func (p *Pipeline) Pulse(ctx context.Context, task *bus.Task) error {
	res, err := p.gateway.One(ctx, query.RecentProjections, map[string]any{
		"since": p.now().UTC().Add(-p.opts.PulseWindow),
		"limit": 100,
	})
	if err != nil {
		return err
	}
	projs, err := res.Projections()
	if err != nil {
		return err
	}
	lines := make([]string, 0, len(projs)+1)
	if task.Text != "" {
		lines = append(lines, "reason: "+task.Text)
	}
	for _, proj := range projs {
		if proj.ProjectionType == ledger.TypeAssistantMessage {
			continue
		}
		lines = append(lines, describe(proj))
	}
	thread := "pulse:" + task.EventID
	sum, rerr := p.reasoner.Summarize(ctx, thread, lines)
	return p.recordSummary(ctx, task, sum, rerr, func(res ledger.SummaryResult) ledger.ProjectionData {
		return ledger.AssistantMessage{ThreadID: thread, Prompt: task.Text, Text: res.Summary}
	})
}

func (p *Pipeline) recordSummary(ctx context.Context, task *bus.Task, res ledger.SummaryResult, rerr error, project func(ledger.SummaryResult) ledger.ProjectionData) error {
	var outputs []ledger.ProjectionInput
	if rerr != nil {
		res.Fallback = true
		res.FallbackReason = rerr.Error()
	} else {
		outputs = []ledger.ProjectionInput{{Data: project(res), Status: ledger.StatusAutoConfirmed}}
	}
	trace, _, err := p.ledger.RecordStep(ctx, ledger.TraceInput{EventID: task.EventID, Parent: task.TraceChain, Data: res}, outputs)
	if err != nil {
		return fmt.Errorf("record %s summary: %w", task.Kind, err)
	}
	if rerr != nil {
		return fmt.Errorf("%w: %s: %w", ErrReasoning, task.Kind, rerr)
	}
	slog.Info("Summary stored", "kind", task.Kind, "event_id", task.EventID, "trace_id", trace.ID)
	return nil
}

func (p *Pipeline) threadProjections(ctx context.Context, threadID string) ([]ledger.Projection, error) {
	if threadID == "" {
		return nil, nil
	}
	res, err := p.gateway.One(ctx, query.ThreadProjections, map[string]any{"thread_id": threadID, "limit": p.opts.HistoryLimit})
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	return res.Projections()
}
