package telegram

import (
	"errors"
	"fmt"

	"github.com/gotd/td/tgerr"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

// ErrNotConnected is returned by calls made before Connect or after Close.
var ErrNotConnected = errors.New("telegram client not connected")

// ErrUnauthorized is returned by Connect when the session has no logged-in
// account and interactive login is disabled.
var ErrUnauthorized = errors.New("telegram session not authorized")

const (
	errInviteRequestSent      = "INVITE_REQUEST_SENT"
	errUserAlreadyParticipant = "USER_ALREADY_PARTICIPANT"
)

var notFoundErrors = []string{
	"USERNAME_NOT_OCCUPIED",
	"USERNAME_INVALID",
	"CHANNEL_INVALID",
	"PEER_ID_INVALID",
}

// mapError translates RPC errors into the monitor error taxonomy. Other
// errors are returned wrapped but otherwise untouched.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return fmt.Errorf("%s: %w", op, &monitor.RateLimitError{Wait: d})
	}
	if tgerr.Is(err, errInviteRequestSent) {
		return fmt.Errorf("%s: %w", op, monitor.ErrPendingApproval)
	}
	if tgerr.Is(err, notFoundErrors...) {
		return fmt.Errorf("%s: %w: %w", op, monitor.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
