package agent

import "context"

// Semaphore bounds how many job pipelines run at once on this gateway.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity (minimum 1).
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free. It returns false if ctx is cancelled first.
func (s *Semaphore) Acquire(ctx context.Context) bool {
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	<-s.ch
}

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int {
	return len(s.ch)
}

// Capacity returns the semaphore capacity.
func (s *Semaphore) Capacity() int {
	return cap(s.ch)
}
