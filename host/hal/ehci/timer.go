package ehci

import (
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/ehci/pkg"
)

//go:generate mockgen -destination=mock_timer_test.go -package=ehci github.com/ardnew/ehci/host/hal/ehci Timer

// Timer runs a callback periodically. It drives the asynchronous interrupt
// pipes.
type Timer interface {
	// Start begins calling fn every period until Stop. Starting a running
	// timer is an error.
	Start(period time.Duration, fn func()) error

	// Stop ends the periodic calls. It does not wait for a call already in
	// progress. Stopping a stopped timer does nothing.
	Stop() error
}

// TickerTimer is a Timer backed by a time.Ticker and one goroutine.
type TickerTimer struct {
	mu   sync.Mutex
	done chan struct{}
}

// Start implements Timer.
func (t *TickerTimer) Start(period time.Duration, fn func()) error {
	if period <= 0 || fn == nil {
		return fmt.Errorf("%w: timer period %v", pkg.ErrInvalidParameter, period)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return fmt.Errorf("%w: timer already running", pkg.ErrInvalidState)
	}

	done := make(chan struct{})
	t.done = done
	tk := time.NewTicker(period)

	go func() {
		defer tk.Stop()
		for {
			select {
			case <-done:
				return
			case <-tk.C:
				fn()
			}
		}
	}()
	return nil
}

// Stop implements Timer.
func (t *TickerTimer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	return nil
}

// Running reports whether the timer is started.
func (t *TickerTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done != nil
}
