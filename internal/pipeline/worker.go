package pipeline

import (
	"context"
	"sync"

	"github.com/kairon-os/kairon/internal/bus"
)

// Source yields inbound submissions.
type Source interface {
	Consume(ctx context.Context) (*bus.Inbound, error)
}

// Worker runs the pipeline for every inbound submission, at most limit at a
// time. Each submission is its own run; runs never share state.
type Worker struct {
	pipeline *Pipeline
	source   Source
	sem      *semaphore
	wg       sync.WaitGroup
}

// NewWorker returns a Worker reading from source.
func NewWorker(p *Pipeline, source Source, limit int) *Worker {
	return &Worker{pipeline: p, source: source, sem: newSemaphore(limit)}
}

// Run consumes until ctx is cancelled, then waits for in-flight runs.
func (w *Worker) Run(ctx context.Context) error {
	defer w.wg.Wait()
	for {
		msg, err := w.source.Consume(ctx)
		if err != nil {
			return err
		}
		if err := w.sem.acquire(ctx); err != nil {
			msg.Done(AckError(err))
			return err
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.release()
			// A run is not cancelled mid-step once started.
			_, err := w.pipeline.Handle(context.WithoutCancel(ctx), msg.Submission)
			msg.Done(AckError(err))
		}()
	}
}
