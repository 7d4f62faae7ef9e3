//go:build linux

package ehcilinux

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/ehci/host/hal/ehci"
	"github.com/ardnew/ehci/pkg"
)

// maxTimerEvents bounds one epoll_wait: the timerfd and the wake eventfd.
const maxTimerEvents = 2

// Timer is an ehci.Timer backed by a timerfd. Expirations are collected by
// epoll on a dedicated goroutine. An eventfd wakes the loop on Stop.
//
// Missed expirations are coalesced into a single call.
type Timer struct {
	mu  sync.Mutex
	run *timerRun
}

var _ ehci.Timer = (*Timer)(nil)

// timerRun holds the descriptors of one Start..Stop cycle. The loop
// goroutine owns them and closes them on exit.
type timerRun struct {
	epfd   int
	tfd    int
	wakefd int
}

// Start implements ehci.Timer.
func (t *Timer) Start(period time.Duration, fn func()) error {
	if period <= 0 || fn == nil {
		return fmt.Errorf("%w: timer period %v", pkg.ErrInvalidParameter, period)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run != nil {
		return fmt.Errorf("%w: timer already running", pkg.ErrInvalidState)
	}

	run, err := newTimerRun(period)
	if err != nil {
		return err
	}
	t.run = run
	go run.loop(fn)

	pkg.LogDebug(pkg.ComponentHAL, "timerfd started", "period", period)
	return nil
}

// Stop implements ehci.Timer.
func (t *Timer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run == nil {
		return nil
	}

	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(t.run.wakefd, buf[:])
	t.run = nil
	return err
}

// Running reports whether the timer is started.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run != nil
}

func newTimerRun(period time.Duration) (run *timerRun, err error) {
	run = &timerRun{epfd: -1, tfd: -1, wakefd: -1}
	defer func() {
		if err != nil {
			run.close()
		}
	}()

	if run.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	if run.wakefd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if run.tfd, err = unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC); err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}

	for _, fd := range []int{run.wakefd, run.tfd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err = unix.EpollCtl(run.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return nil, fmt.Errorf("epoll_ctl: %w", err)
		}
	}

	ts := unix.NsecToTimespec(period.Nanoseconds())
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	if err = unix.TimerfdSettime(run.tfd, 0, &spec, nil); err != nil {
		return nil, fmt.Errorf("timerfd_settime: %w", err)
	}
	return run, nil
}

// loop waits for expirations until the wake eventfd fires.
func (r *timerRun) loop(fn func()) {
	defer r.close()

	var events [maxTimerEvents]unix.EpollEvent
	var buf [8]byte
	for {
		n, err := unix.EpollWait(r.epfd, events[:], -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			pkg.LogError(pkg.ComponentHAL, "timer wait failed", "error", err)
			return
		}

		fired := false
		for _, ev := range events[:n] {
			switch int(ev.Fd) {
			case r.wakefd:
				return
			case r.tfd:
				// The count of expirations is discarded.
				if _, err := unix.Read(r.tfd, buf[:]); err == nil {
					fired = true
				}
			}
		}
		if fired {
			fn()
		}
	}
}

func (r *timerRun) close() {
	for _, fd := range []int{r.tfd, r.wakefd, r.epfd} {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}
