// Package bus decouples event sources from pipeline runs and carries the
// one-way tasks a run hands off to sub-pipelines.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kairon-os/kairon/internal/ledger"
)

// Well-known task kinds.
const (
	TaskConversation     = "conversation"
	TaskSaveConversation = "save_conversation"
	TaskPulse            = "pulse"
)

var (
	// ErrTaskQueueFull is returned by Send when the task queue has no room.
	ErrTaskQueueFull = errors.New("task queue full")
	// ErrRedeliver wraps a run error after which the submission must be
	// delivered again. Sources must not acknowledge it upstream.
	ErrRedeliver = errors.New("submission must be redelivered")
)

// Inbound is a submission waiting for a pipeline run.
type Inbound struct {
	Submission ledger.Submission
	ReceivedAt time.Time
	// Ack, when set, is called with the run's result once it completes.
	Ack func(error)
}

// Done acknowledges the inbound message.
func (m *Inbound) Done(err error) {
	if m.Ack != nil {
		m.Ack(err)
	}
}

// Task is a one-way message to a sub-pipeline. TraceChain is the chain of
// the trace that dispatched it, so the sub-pipeline's traces become its
// descendants.
type Task struct {
	Kind       string            `json:"kind"`
	EventID    string            `json:"event_id"`
	TraceChain []string          `json:"trace_chain,omitempty"`
	Text       string            `json:"text,omitempty"`
	ThreadID   string            `json:"thread_id,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// TaskHandler processes one task.
type TaskHandler func(ctx context.Context, task *Task) error

// MessageBus holds the inbound submission queue and the task queue.
type MessageBus struct {
	inbound  chan *Inbound
	tasks    chan *Task
	handlers map[string]TaskHandler
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewMessageBus creates a bus with the given queue size for both queues.
func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = 100
	}
	return &MessageBus{
		inbound:  make(chan *Inbound, size),
		tasks:    make(chan *Task, size),
		handlers: make(map[string]TaskHandler),
	}
}

// Publish queues a submission, blocking while the queue is full.
func (b *MessageBus) Publish(ctx context.Context, msg *Inbound) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume blocks until a submission is available or context is cancelled.
func (b *MessageBus) Consume(ctx context.Context) (*Inbound, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle registers the handler for a task kind.
func (b *MessageBus) Handle(kind string, fn TaskHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = fn
}

// Send queues a task without waiting for it to run.
func (b *MessageBus) Send(task *Task) error {
	select {
	case b.tasks <- task:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s task for event %s", ErrTaskQueueFull, task.Kind, task.EventID)
	}
}

// RunTasks dispatches queued tasks, each in its own goroutine, until ctx is
// cancelled. Handlers get a context detached from ctx, so a started task is
// never cancelled. On cancellation the tasks still queued are run too, and
// RunTasks returns once every task has finished.
func (b *MessageBus) RunTasks(ctx context.Context) error {
	defer b.wg.Wait()
	runCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			b.drainTasks(runCtx)
			return ctx.Err()
		case task := <-b.tasks:
			b.runTask(runCtx, task)
		}
	}
}

func (b *MessageBus) drainTasks(ctx context.Context) {
	for {
		select {
		case task := <-b.tasks:
			slog.Info("Running queued task before shutdown", "kind", task.Kind, "event_id", task.EventID)
			b.runTask(ctx, task)
		default:
			return
		}
	}
}

func (b *MessageBus) runTask(ctx context.Context, task *Task) {
	b.mu.RLock()
	fn := b.handlers[task.Kind]
	b.mu.RUnlock()
	if fn == nil {
		slog.Warn("No handler for task", "kind", task.Kind, "event_id", task.EventID)
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := fn(ctx, task); err != nil {
			slog.Error("Task failed", "kind", task.Kind, "event_id", task.EventID, "error", err)
		}
	}()
}

// InboundSize returns the number of pending submissions.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// TaskSize returns the number of queued tasks.
func (b *MessageBus) TaskSize() int {
	return len(b.tasks)
}
