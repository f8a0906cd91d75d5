package crawler

import "sync"

// CancellationToken is a per-session stop flag. Once cancelled it stays
// cancelled.
type CancellationToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancellationToken returns an unset token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// Cancel sets the token. It is safe to call more than once.
func (t *CancellationToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether Cancel has been called.
func (t *CancellationToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.done
}
