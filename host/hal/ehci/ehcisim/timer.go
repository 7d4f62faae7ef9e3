package ehcisim

import (
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/ehci/host/hal/ehci"
	"github.com/ardnew/ehci/pkg"
)

// ManualTimer is an ehci.Timer that only fires when told to.
type ManualTimer struct {
	mu     sync.Mutex
	fn     func()
	period time.Duration
	starts int
	stops  int
}

var _ ehci.Timer = (*ManualTimer)(nil)

// Start implements ehci.Timer.
func (t *ManualTimer) Start(period time.Duration, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fn != nil {
		return fmt.Errorf("%w: timer already running", pkg.ErrInvalidState)
	}
	t.fn = fn
	t.period = period
	t.starts++
	return nil
}

// Stop implements ehci.Timer.
func (t *ManualTimer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fn != nil {
		t.stops++
	}
	t.fn = nil
	return nil
}

// Running reports whether the timer is started.
func (t *ManualTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fn != nil
}

// Period returns the period of the last Start.
func (t *ManualTimer) Period() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.period
}

// Starts returns how many times the timer was started.
func (t *ManualTimer) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

// Fire runs the callback once if the timer is running and reports whether
// it did.
func (t *ManualTimer) Fire() bool {
	t.mu.Lock()
	fn := t.fn
	t.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}
