// Package system provides the real clock and sleeper implementations.
package system

import (
	"context"
	"time"
)

// Clock implements monitor.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Pauser implements monitor.Pauser with a timer.
type Pauser struct{}

// NewPauser creates a timer-backed Pauser.
func NewPauser() *Pauser {
	return &Pauser{}
}

// Pause blocks for delay or until ctx is done.
func (Pauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
