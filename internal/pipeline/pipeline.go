// Package pipeline runs each stored event through routing, reasoning and
// projection writes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kairon-os/kairon/internal/bus"
	"github.com/kairon-os/kairon/internal/extract"
	"github.com/kairon-os/kairon/internal/ledger"
	"github.com/kairon-os/kairon/internal/provider"
	"github.com/kairon-os/kairon/internal/query"
	"github.com/kairon-os/kairon/internal/router"
)

// ErrReasoning marks a run whose reasoning step failed after the failure was
// recorded as a trace.
var ErrReasoning = errors.New("reasoning step failed")

// Settled reports whether a run that ended with err reached a final outcome,
// so delivering the same submission again cannot change it.
func Settled(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrReasoning),
		errors.Is(err, ledger.ErrValidation),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrAlreadyVoided),
		errors.Is(err, ledger.ErrAlreadySuperseded),
		errors.Is(err, ledger.ErrInvalidTransition):
		return true
	}
	return false
}

// AckError is the error an inbound message is acknowledged with: run errors
// that did not settle are wrapped in bus.ErrRedeliver.
func AckError(err error) error {
	if Settled(err) {
		return err
	}
	return fmt.Errorf("%w: %w", bus.ErrRedeliver, err)
}

// Reasoner is the subset of reasoning calls the pipeline makes directly.
// Classification and multi-extraction go through the router and the
// extraction engine.
type Reasoner interface {
	ExtractSingle(ctx context.Context, kind, text string, vocab []string) (ledger.SingleExtractionResult, error)
	Summarize(ctx context.Context, threadID string, lines []string) (ledger.SummaryResult, error)
	Converse(ctx context.Context, threadID string, history []provider.Message, prompt string) (ledger.ConversationResult, error)
}

// TaskSender queues one-way sub-pipeline work.
type TaskSender interface {
	Send(task *bus.Task) error
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Ledger   *ledger.Service
	Gateway  *query.Gateway
	Router   *router.Router
	Extract  *extract.Engine
	Reasoner Reasoner
	Tasks    TaskSender
}

// Options tunes a Pipeline.
type Options struct {
	// VocabularyLimit caps the categories offered to extraction calls.
	VocabularyLimit int
	// HistoryLimit caps the thread turns replayed into a conversation.
	HistoryLimit int
	// PulseWindow is how far back a scheduled pulse looks for records.
	PulseWindow time.Duration
}

// Pipeline processes submissions. It is safe for concurrent use; runs for
// different events share nothing but the store.
type Pipeline struct {
	ledger   *ledger.Service
	gateway  *query.Gateway
	router   *router.Router
	extract  *extract.Engine
	reasoner Reasoner
	tasks    TaskSender
	opts     Options
	now      func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

// New returns a Pipeline.
func New(d Deps, opts Options) *Pipeline {
	if opts.VocabularyLimit <= 0 {
		opts.VocabularyLimit = 20
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.PulseWindow <= 0 {
		opts.PulseWindow = 24 * time.Hour
	}
	return &Pipeline{
		ledger:   d.Ledger,
		gateway:  d.Gateway,
		router:   d.Router,
		extract:  d.Extract,
		reasoner: d.Reasoner,
		tasks:    d.Tasks,
		opts:     opts,
		now:      time.Now,
		running:  make(map[string]struct{}),
	}
}

// Handle stores the submission and processes it. A submission whose event
// already reached a final outcome, or is being processed by another run,
// returns the stored event id with Duplicate set and does no further work. A
// stored event that never finished is resumed.
func (p *Pipeline) Handle(ctx context.Context, sub ledger.Submission) (Result, error) {
	ev, created, err := p.ledger.SubmitEvent(ctx, sub)
	if err != nil {
		return Result{}, err
	}
	duplicate := Result{EventID: ev.ID, EventType: ev.EventType, Duplicate: true}
	if ev.ProcessedAt != nil {
		slog.Info("Duplicate event ignored", "event_id", ev.ID, "event_type", ev.EventType, "key", ev.IdempotencyKey)
		return duplicate, nil
	}
	if !p.claim(ev.ID) {
		slog.Info("Duplicate event already running", "event_id", ev.ID, "event_type", ev.EventType, "key", ev.IdempotencyKey)
		return duplicate, nil
	}
	defer p.release(ev.ID)
	if !created {
		// Another run may have finished between the insert and the claim.
		if ev, err = p.ledger.GetEvent(ctx, ev.ID); err != nil {
			return Result{}, err
		}
		if ev.ProcessedAt != nil {
			return duplicate, nil
		}
		slog.Info("Resuming unfinished event", "event_id", ev.ID, "event_type", ev.EventType, "key", ev.IdempotencyKey)
	}

	start := time.Now()
	run := newRun(ev)
	run.Resumed = !created
	switch ev.EventType {
	case ledger.EventMessage:
		run, err = p.handleMessage(ctx, run)
	case ledger.EventReaction:
		run, err = p.handleReaction(ctx, run)
	case ledger.EventCorrection:
		run, err = p.handleCorrection(ctx, run)
	case ledger.EventScheduledTrigger:
		run, err = p.handleTrigger(ctx, run)
	default:
		slog.Info("Event stored without processing", "event_id", ev.ID, "event_type", ev.EventType)
	}

	res := run.Result()
	if Settled(err) {
		if merr := p.ledger.MarkProcessed(ctx, ev.ID); merr != nil && err == nil {
			err = merr
		}
	}
	if err != nil {
		slog.Error("Pipeline run failed", "event_id", ev.ID, "event_type", ev.EventType, "route", res.Route, "error", err)
		return res, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	slog.Info("Pipeline run completed",
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"route", res.Route,
		"traces", len(res.TraceIDs),
		"projections", len(res.ProjectionIDs),
		"dispatched", len(res.Dispatched),
		"duration", time.Since(start))
	return res, nil
}

func (p *Pipeline) claim(eventID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[eventID]; ok {
		return false
	}
	p.running[eventID] = struct{}{}
	return true
}

func (p *Pipeline) release(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, eventID)
}

// dispatch hands a task to its sub-pipeline without waiting for it.
func (p *Pipeline) dispatch(run Run, task *bus.Task) (Run, error) {
	if p.tasks == nil {
		return run, fmt.Errorf("no task queue configured for %s", task.Kind)
	}
	if err := p.tasks.Send(task); err != nil {
		return run, err
	}
	return run.withDispatch(task.Kind), nil
}

func (p *Pipeline) vocabulary(ctx context.Context, projectionType string) ([]string, error) {
	if p.gateway == nil {
		return nil, nil
	}
	res, err := p.gateway.One(ctx, query.RecentCategories, map[string]any{
		"projection_type": projectionType,
		"limit":           p.opts.VocabularyLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	return res.Categories(), nil
}
