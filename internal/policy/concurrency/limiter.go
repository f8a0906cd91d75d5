// Package concurrency bounds how many detail tasks run at once within a
// session. Excess submissions wait in submission order.
package concurrency

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the slot count used when New receives a non-positive size.
const DefaultSize = 5

// Limiter runs submitted tasks with at most Size of them executing
// concurrently. Queued tasks start in FIFO order as slots free up.
type Limiter struct {
	size    int64
	sem     *semaphore.Weighted
	mu      sync.Mutex
	pending []*Handle
	wg      sync.WaitGroup
	active  atomic.Int64
	peak    atomic.Int64
}

// Handle tracks one submitted task.
type Handle struct {
	task func()
	done chan struct{}
}

// Done returns a channel closed when the task has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task has finished.
func (h *Handle) Wait() {
	<-h.done
}

// New returns a Limiter with size slots.
func New(size int) *Limiter {
	if size <= 0 {
		size = DefaultSize
	}
	return &Limiter{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Size returns the slot count.
func (l *Limiter) Size() int {
	return int(l.size)
}

// Submit schedules task and returns immediately.
func (l *Limiter) Submit(task func()) *Handle {
	h := &Handle{task: task, done: make(chan struct{})}
	l.wg.Add(1)

	l.mu.Lock()
	if len(l.pending) == 0 && l.sem.TryAcquire(1) {
		l.mu.Unlock()
		go l.run(h)
		return h
	}
	l.pending = append(l.pending, h)
	l.mu.Unlock()
	return h
}

// Wait blocks until every submitted task has finished.
func (l *Limiter) Wait() {
	l.wg.Wait()
}

// Active returns the number of tasks currently executing.
func (l *Limiter) Active() int {
	return int(l.active.Load())
}

// Peak returns the highest concurrent execution count observed.
func (l *Limiter) Peak() int {
	return int(l.peak.Load())
}

// Pending returns the number of queued tasks not yet started.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// run holds one slot and keeps draining the queue until it is empty.
func (l *Limiter) run(h *Handle) {
	for h != nil {
		l.exec(h)
		h = l.next()
	}
}

func (l *Limiter) exec(h *Handle) {
	n := l.active.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer func() {
		_ = recover()
		l.active.Add(-1)
		close(h.done)
		l.wg.Done()
	}()
	if h.task != nil {
		h.task()
	}
}

func (l *Limiter) next() *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		l.sem.Release(1)
		return nil
	}
	h := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return h
}
