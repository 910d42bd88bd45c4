package translate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often a paused pool re-checks the pause token.
const DefaultPollInterval = time.Second

// CancelToken is a cooperative stop request shared by everything in one run.
// Running work is never interrupted by it; it is checked before new work
// starts. A nil token is never cancelled.
type CancelToken struct {
	flag atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the token. Calling it again has no effect.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.flag.Store(true)
		close(t.done)
	})
}

// Cancelled reports whether Cancel was called.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.flag.Load()
}

// Done is closed when the token is cancelled.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// PauseToken is the pool-wide rate-limit pause. While any holder keeps it
// set, no new task is admitted.
type PauseToken struct {
	holders atomic.Int32

	mu    sync.Mutex
	until time.Time
}

// NewPauseToken returns a clear token.
func NewPauseToken() *PauseToken {
	return &PauseToken{}
}

// Hold sets the pause until the returned release func is called. d is the
// expected length, used only for Remaining. Release is idempotent.
func (p *PauseToken) Hold(d time.Duration) (release func()) {
	if p == nil {
		return func() {}
	}
	p.mu.Lock()
	if end := time.Now().Add(d); d > 0 && end.After(p.until) {
		p.until = end
	}
	p.mu.Unlock()
	p.holders.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			if p.holders.Add(-1) == 0 {
				p.mu.Lock()
				p.until = time.Time{}
				p.mu.Unlock()
			}
		})
	}
}

// Active reports whether the pause is set.
func (p *PauseToken) Active() bool {
	return p != nil && p.holders.Load() > 0
}

// Remaining is the announced time left in the current pause.
func (p *PauseToken) Remaining() time.Duration {
	if !p.Active() {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := time.Until(p.until); r > 0 {
		return r
	}
	return 0
}

// Wait blocks while the pause is set, polling every poll interval. It
// returns ErrCancelled when cancel is set and ctx.Err() when ctx ends.
func (p *PauseToken) Wait(ctx context.Context, cancel *CancelToken, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	for p.Active() {
		if cancel.Cancelled() {
			return ErrCancelled
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-cancel.Done():
			timer.Stop()
			return ErrCancelled
		case <-timer.C:
		}
	}
	return nil
}
