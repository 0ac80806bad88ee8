package stream

import "sync"

// CancelToken is a one-shot cancellation signal. Any goroutine may request
// cancellation; the runner observes it at block boundaries.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel sets the token. It returns true only for the call that set it.
func (c *CancelToken) Cancel() bool {
	set := false
	c.once.Do(func() {
		close(c.ch)
		set = true
	})
	return set
}

// Cancelled reports whether cancellation has been requested.
func (c *CancelToken) Cancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Done is closed once cancellation has been requested.
func (c *CancelToken) Done() <-chan struct{} { return c.ch }
