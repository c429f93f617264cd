package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrClosed is returned for commands submitted against a closed
	// connection, and used to reject pending commands at shutdown.
	ErrClosed = errors.New("redis: connection closed")

	// ErrTimeout rejects a single pending command whose reply did not
	// arrive in time. The connection itself stays up; see the pending
	// queue notes in conn.go for how a late reply is kept from
	// misaligning later commands.
	ErrTimeout = errors.New("redis: command timed out")
)

// CommandError is an application-level error reply from the store
// (e.g. wrong namespace, bad argument count). The connection remains
// healthy; only the issuing caller sees it.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("redis: server error: %s", e.Message)
}

// ErrHandshake wraps a failure during the connect sequence
// (dial, authenticate, namespace select). The whole Connect fails.
type ErrHandshake struct {
	Step string
	Err  error
}

func (e *ErrHandshake) Error() string {
	return fmt.Sprintf("redis: handshake failed at %s: %v", e.Step, e.Err)
}

func (e *ErrHandshake) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err is a connection-class failure:
// the store could not be reached, or did not answer in time. An error
// reply the store itself produced (CommandError) is never
// unavailability — the store was reachable enough to complain.
// Callers with a degraded-mode fallback gate it on this predicate.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrTimeout) {
		return true
	}
	var hs *ErrHandshake
	if errors.As(err, &hs) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return false
}
