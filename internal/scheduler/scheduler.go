package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kairon-os/kairon/internal/bus"
	"github.com/kairon-os/kairon/internal/ledger"
)

// maxCatchUp bounds how many missed minutes a late tick replays.
const maxCatchUp = 60

// Job emits a scheduled-trigger event on every scheduled minute.
type Job struct {
	Name     string
	Schedule *Schedule
	Reason   string
}

// Publisher queues submissions. Implemented by bus.MessageBus.
type Publisher interface {
	Publish(ctx context.Context, msg *bus.Inbound) error
}

// Expirer voids stale pending projections. Implemented by ledger.Service.
type Expirer interface {
	ExpirePending(ctx context.Context, policy ledger.ExpiryPolicy) (int, error)
}

// Config holds scheduler settings.
type Config struct {
	TickInterval time.Duration
	// PendingExpiry enables pending-projection expiry when positive.
	PendingExpiry time.Duration
	Source        string
}

// Scheduler fires jobs on their schedules. Two processes firing the same
// job and minute produce one event: the trigger key is derived from the
// job name and the minute, and the event store keeps the first.
type Scheduler struct {
	cfg     Config
	pub     Publisher
	expirer Expirer
	jobs    map[string]*Job
	mu      sync.RWMutex
	last    time.Time
	now     func() time.Time
}

// New creates a Scheduler. expirer may be nil.
func New(cfg Config, pub Publisher, expirer Expirer) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "scheduler"
	}
	return &Scheduler{
		cfg:     cfg,
		pub:     pub,
		expirer: expirer,
		jobs:    make(map[string]*Job),
		now:     time.Now,
	}
}

// Register adds or replaces a job.
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	slog.Info("Scheduler job registered", "name", job.Name, "cron", job.Schedule.String(), "next", job.Schedule.Next(s.now()))
}

// Unregister removes a job by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
}

// Jobs returns a snapshot of the registered jobs.
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "jobs", len(s.Jobs()))
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.last = s.now().Truncate(time.Minute)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick fires every job scheduled in the minutes since the previous tick,
// then runs pending expiry if enabled.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	from := minute
	if !s.last.IsZero() {
		from = s.last.Add(time.Minute)
		if minute.Sub(from) > maxCatchUp*time.Minute {
			from = minute.Add(-(maxCatchUp - 1) * time.Minute)
		}
	}

	jobs := s.Jobs()
	for m := from; !m.After(minute); m = m.Add(time.Minute) {
		for _, job := range jobs {
			if job.Schedule.Matches(m) {
				if err := s.fire(ctx, job, m); err != nil {
					slog.Warn("Scheduler job not fired", "job", job.Name, "tick", m, "error", err)
				}
			}
		}
	}
	if minute.After(s.last) {
		s.last = minute
	}
	s.expire(ctx, now)
}

// fire publishes the scheduled-trigger submission for job at minute.
func (s *Scheduler) fire(ctx context.Context, job *Job, minute time.Time) error {
	tick := minute.UTC().Format(time.RFC3339)
	key, err := ledger.TriggerKey(job.Name, tick)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{
		"job":            job.Name,
		"tick":           tick,
		"trigger_reason": job.Reason,
	})
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	slog.Info("Scheduler dispatching job", "job", job.Name, "tick", tick)
	return s.pub.Publish(ctx, &bus.Inbound{
		Submission: ledger.Submission{
			EventType:      ledger.EventScheduledTrigger,
			Source:         s.cfg.Source,
			Payload:        payload,
			IdempotencyKey: key,
		},
		ReceivedAt: minute,
	})
}

func (s *Scheduler) expire(ctx context.Context, now time.Time) {
	if s.expirer == nil || s.cfg.PendingExpiry <= 0 {
		return
	}
	n, err := s.expirer.ExpirePending(ctx, ledger.MaxAge(s.cfg.PendingExpiry))
	if err != nil {
		slog.Warn("Pending expiry failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Pending projections expired", "count", n, "window", s.cfg.PendingExpiry, "at", now)
	}
}
