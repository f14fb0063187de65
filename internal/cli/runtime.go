package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kairon-os/kairon/internal/bus"
	"github.com/kairon-os/kairon/internal/config"
	"github.com/kairon-os/kairon/internal/extract"
	"github.com/kairon-os/kairon/internal/ingress"
	"github.com/kairon-os/kairon/internal/ledger"
	"github.com/kairon-os/kairon/internal/pipeline"
	"github.com/kairon-os/kairon/internal/provider"
	"github.com/kairon-os/kairon/internal/query"
	"github.com/kairon-os/kairon/internal/reasoning"
	"github.com/kairon-os/kairon/internal/router"
	"github.com/kairon-os/kairon/internal/scheduler"
)

// openLedger opens the configured store, creating the sqlite directory.
func openLedger(cfg *config.Config) (*ledger.Service, error) {
	target := cfg.Store.Target()
	if target == "" {
		return nil, fmt.Errorf("store %s: no path or dsn configured", cfg.Store.Driver)
	}
	if d, _ := ledger.ParseDialect(cfg.Store.Driver); d == ledger.SQLite {
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return ledger.Open(cfg.Store.Driver, target)
}

// newReasoner resolves the primary and fallback models into a Reasoner.
func newReasoner(cfg *config.Config) (*reasoning.Reasoner, error) {
	primary, err := provider.Resolve(cfg, cfg.Model.Name)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", cfg.Model.Name, err)
	}
	if primary == nil {
		return nil, errors.New("no model configured (set model.name or KAIRON_MODEL_NAME)")
	}
	fallback, err := provider.Resolve(cfg, cfg.Model.Fallback)
	if err != nil {
		return nil, fmt.Errorf("fallback model %q: %w", cfg.Model.Fallback, err)
	}
	_, model := provider.ParseModelString(cfg.Model.Name)
	_, fallbackModel := provider.ParseModelString(cfg.Model.Fallback)
	return reasoning.New(reasoning.Options{
		Primary:       primary,
		Fallback:      fallback,
		Model:         model,
		FallbackModel: fallbackModel,
		Timeout:       cfg.Model.Timeout,
		RatePerSecond: cfg.Model.RatePerSecond,
		Burst:         cfg.Model.Burst,
		MaxTokens:     cfg.Model.MaxTokens,
		Temperature:   cfg.Model.Temperature,
	})
}

// newPipeline wires the reasoning stack around svc. Sub-pipeline tasks go
// to tasks, which is also where their handlers are registered.
func newPipeline(cfg *config.Config, svc *ledger.Service, tasks taskQueue) (*pipeline.Pipeline, error) {
	r, err := newReasoner(cfg)
	if err != nil {
		return nil, err
	}
	p := pipeline.New(pipeline.Deps{
		Ledger:   svc,
		Gateway:  query.NewGateway(svc.DB(), svc.Dialect()),
		Router:   router.New(r, cfg.Router.ConfidenceThreshold),
		Extract:  extract.NewEngine(r, cfg.Extraction.MinConfidence, cfg.Extraction.AutoConfirmConfidence),
		Reasoner: r,
		Tasks:    tasks,
	}, pipeline.Options{
		VocabularyLimit: cfg.Extraction.VocabularyLimit,
		HistoryLimit:    cfg.Pipeline.HistoryLimit,
		PulseWindow:     cfg.Pipeline.PulseWindow,
	})
	p.RegisterTasks(tasks)
	return p, nil
}

type taskQueue interface {
	pipeline.TaskSender
	pipeline.TaskRegistrar
}

// inlineTasks runs sub-pipeline tasks on the caller's goroutine. One-shot
// commands use it so the process does not exit before a reply is stored.
type inlineTasks struct {
	handlers map[string]bus.TaskHandler
	timeout  time.Duration
	errs     []error
}

func newInlineTasks(timeout time.Duration) *inlineTasks {
	return &inlineTasks{handlers: make(map[string]bus.TaskHandler), timeout: timeout}
}

func (t *inlineTasks) Handle(kind string, fn bus.TaskHandler) { t.handlers[kind] = fn }

func (t *inlineTasks) Send(task *bus.Task) error {
	fn, ok := t.handlers[task.Kind]
	if !ok {
		return fmt.Errorf("no handler for %s task", task.Kind)
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := fn(ctx, task); err != nil {
		slog.Warn("Inline task failed", "kind", task.Kind, "event_id", task.EventID, "error", err)
		t.errs = append(t.errs, err)
	}
	return nil
}

// schedulerJobs parses the configured cron jobs. A bad expression fails the
// whole set.
func schedulerJobs(jobs []config.JobConfig) ([]*scheduler.Job, error) {
	out := make([]*scheduler.Job, 0, len(jobs))
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if j.Name == "" {
			return nil, fmt.Errorf("scheduler job with cron %q has no name", j.Cron)
		}
		if seen[j.Name] {
			return nil, fmt.Errorf("scheduler job %q defined twice", j.Name)
		}
		seen[j.Name] = true
		s, err := scheduler.ParseSchedule(j.Cron)
		if err != nil {
			return nil, fmt.Errorf("scheduler job %q: %w", j.Name, err)
		}
		out = append(out, &scheduler.Job{Name: j.Name, Schedule: s, Reason: j.Reason})
	}
	return out, nil
}

const recoverLimit = 1000

// requeueUnprocessed queues stored events received before the given time
// whose run never finished, such as events accepted over HTTP before a crash.
func requeueUnprocessed(ctx context.Context, svc *ledger.Service, pub ingress.Publisher, before time.Time) error {
	events, err := svc.UnprocessedEvents(ctx, before, recoverLimit)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := pub.Publish(ctx, &bus.Inbound{Submission: ev.Submission(), ReceivedAt: ev.ReceivedAt}); err != nil {
			return err
		}
	}
	if len(events) > 0 {
		slog.Info("Requeued unfinished events", "count", len(events))
	}
	return nil
}
