// Package businessflow contains the core business logic and use cases for dispatch workflows
package businessflow

import (
	"errors"
)

// Business flow error constants
var (
	// Dispatch-related errors
	ErrDispatchNotFound       = errors.New("dispatch not found")
	ErrDispatchNotIngestible  = errors.New("dispatch is not in an ingestible state")
	ErrDispatchNotStartable   = errors.New("dispatch is not in a startable state")
	ErrDispatchNotPausable    = errors.New("dispatch cannot be paused in its current state")
	ErrDispatchNotResumable   = errors.New("dispatch cannot be resumed in its current state")
	ErrDispatchNotCancellable = errors.New("dispatch cannot be cancelled in its current state")
	ErrScheduleInFuture       = errors.New("dispatch scheduled time is still in the future")

	// Channel-related errors
	ErrChannelNotFound = errors.New("sending channel not found")
	ErrChannelOffline  = errors.New("sending channel is not online")

	// Relay-related errors
	ErrRelaySubmitFailed = errors.New("relay submission failed")
)

// Error classification helpers used by handlers to pick status codes

func IsDispatchNotFound(err error) bool {
	return errors.Is(err, ErrDispatchNotFound)
}

func IsPreconditionFailure(err error) bool {
	return errors.Is(err, ErrDispatchNotStartable) ||
		errors.Is(err, ErrDispatchNotIngestible) ||
		errors.Is(err, ErrDispatchNotPausable) ||
		errors.Is(err, ErrDispatchNotResumable) ||
		errors.Is(err, ErrDispatchNotCancellable) ||
		errors.Is(err, ErrChannelOffline) ||
		errors.Is(err, ErrChannelNotFound)
}
