package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestIsUnavailable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"closed", ErrClosed, true},
		{"timeout", ErrTimeout, true},
		{"wrapped closed", fmt.Errorf("redis: write PING: %w", ErrClosed), true},
		{"handshake dial", &ErrHandshake{Step: "dial", Err: errors.New("connection refused")}, true},
		{"net op error", &net.OpError{Op: "write", Err: errors.New("broken pipe")}, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"server error reply", &CommandError{Message: "WRONGTYPE Operation against a key holding the wrong kind of value"}, false},
		{"plain error", errors.New("malformed reply"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUnavailable(tc.err); got != tc.want {
				t.Errorf("IsUnavailable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
