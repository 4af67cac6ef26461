package regbus

import (
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Completion.Wait when no signal arrives in
	// time. Callers are expected to re-read device status once before
	// treating it as fatal, since an edge can race a register poll.
	ErrTimeout = errors.New("timed out waiting for completion")

	// ErrNoFirmware is returned by hosts that cannot resolve a named image.
	ErrNoFirmware = errors.New("firmware image not available")
)

// Completion is the single suspension point of the flash engine: a binary
// semaphore given from the interrupt path and taken with a timeout from the
// command path.
type Completion struct {
	ch chan struct{}
}

func NewCompletion() *Completion {
	return &Completion{ch: make(chan struct{}, 1)}
}

// Signal posts one completion. Extra signals while one is already pending
// collapse into it, matching edge-triggered interrupt semantics.
func (c *Completion) Signal() {
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

// Clear drops any pending signal.
func (c *Completion) Clear() {
	select {
	case <-c.ch:
	default:
	}
}

// Wait blocks until a signal arrives or the timeout elapses.
func (c *Completion) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.ch:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}
