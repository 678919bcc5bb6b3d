package monitor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a group, topic or platform entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPendingApproval is returned by a join that was turned into a join request.
	ErrPendingApproval = errors.New("join request pending approval")
	// ErrTTLPeriod is returned for a group whose messages auto-delete; such
	// groups are never joined.
	ErrTTLPeriod = errors.New("group has a TTL period")
	// ErrPendingEmpty is returned when there is no candidate left to claim.
	ErrPendingEmpty = errors.New("pending is empty")
	// ErrStateConflict is returned when an update would break the state machine.
	ErrStateConflict = errors.New("state conflict")
	// ErrQueueClosed is returned by a queue after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// RateLimitError signals that the platform asked the caller to back off.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.Wait)
}

// AsRateLimit extracts a RateLimitError from err.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
