package pipeline

import "context"

// semaphore is a channel-based counting semaphore capping concurrent runs.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(n int) *semaphore {
	if n <= 0 {
		n = 1
	}
	return &semaphore{ch: make(chan struct{}, n)}
}

// acquire blocks until a slot is free or ctx is cancelled.
func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees a slot. Must only be called after a successful acquire.
func (s *semaphore) release() {
	<-s.ch
}

