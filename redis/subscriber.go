package redis

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/PylonLabs/pylon/resp"
	"github.com/pkg/errors"
)

// MessageHandler receives one push notification. Handlers run on the
// read loop goroutine; a panicking handler is recovered and logged,
// never allowed to kill the loop.
type MessageHandler func(channel string, payload []byte)

// SubConn is the dedicated notification connection. The protocol
// forbids general commands on a socket that has entered notification
// mode, so this is a separate instance with a separate socket from
// Conn. There is no per-command reply correlation here at all: the
// authenticate/select handshake runs through a one-shot synchronous
// reply path during Connect, and after Subscribe the read loop treats
// every inbound frame as a notification or a discardable ack.
type SubConn struct {
	opts        Options
	logger      *slog.Logger
	dialTimeout time.Duration

	mu         sync.Mutex
	state      connState
	sock       net.Conn
	handlers   map[string]MessageHandler
	connecting chan struct{} // closed when the in-flight connect settles
	connectErr error
}

// NewSubConn builds a subscription connection. No I/O happens until
// Connect or the first Subscribe.
func NewSubConn(cfg Config) *SubConn {
	cfg.fill()
	return &SubConn{
		opts:        cfg.Options,
		logger:      cfg.Logger.WithGroup("redis_sub"),
		dialTimeout: cfg.DialTimeout,
		handlers:    make(map[string]MessageHandler),
	}
}

// Connect dials and authenticates the notification socket, then hands
// it to the long-lived notification read loop.
func (s *SubConn) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return ErrClosed
	case stateConnected:
		s.mu.Unlock()
		return nil
	case stateConnecting:
		settled := s.connecting
		s.mu.Unlock()
		select {
		case <-settled:
			s.mu.Lock()
			err := s.connectErr
			s.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	settled := make(chan struct{})
	s.connecting = settled
	s.state = stateConnecting
	s.mu.Unlock()

	sock, err := s.dial(ctx)

	s.mu.Lock()
	if s.state == stateClosed {
		if sock != nil {
			sock.Close()
		}
		err = ErrClosed
	}
	if err != nil {
		if s.state != stateClosed {
			s.state = stateDisconnected
		}
		s.connectErr = err
		close(settled)
		s.mu.Unlock()
		return err
	}
	s.sock = sock
	s.state = stateConnected
	s.connectErr = nil
	close(settled)
	s.mu.Unlock()

	s.logger.Debug("notification connection ready", "addr", s.opts.Addr)
	go s.readLoop(sock)
	return nil
}

// Connected reports whether the notification socket is currently
// live. A false answer means push delivery is down and the owner must
// Subscribe again to restore it.
func (s *SubConn) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected
}

func (s *SubConn) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: s.dialTimeout}
	sock, err := d.DialContext(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return nil, &ErrHandshake{Step: "dial", Err: err}
	}
	if err := handshake(sock, s.dialTimeout, s.opts); err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}

// Subscribe registers handler for channel and sends the subscribe
// command. The acknowledgement frame is consumed and discarded by the
// read loop. There is no resubscribe-on-reconnect at this layer;
// callers that outlive a dropped socket must subscribe again.
func (s *SubConn) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	if channel == "" {
		return fmt.Errorf("redis: channel cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("redis: handler cannot be nil")
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != stateConnected {
		s.mu.Unlock()
		return ErrClosed
	}
	s.handlers[channel] = handler
	_, err := s.sock.Write(resp.EncodeCommand("SUBSCRIBE", channel))
	if err != nil {
		s.teardownLocked()
		s.mu.Unlock()
		return fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}
	s.mu.Unlock()
	return nil
}

func (s *SubConn) readLoop(sock net.Conn) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := sock.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame, consumed, derr := resp.Decode(buf)
				if errors.Is(derr, resp.ErrIncomplete) {
					break
				}
				buf = buf[consumed:]
				s.route(frame)
			}
		}
		if err != nil {
			s.mu.Lock()
			if s.sock == sock {
				s.logger.Warn("notification connection dropped", "error", err)
				s.teardownLocked()
			}
			s.mu.Unlock()
			return
		}
	}
}

// route dispatches message frames and silently discards everything
// else (subscribe/unsubscribe acknowledgements, malformed frames).
func (s *SubConn) route(frame resp.Reply) {
	if frame.Kind != resp.KindArray || len(frame.Array) != 3 {
		return
	}
	if frame.Array[0].Text() != "message" {
		return
	}
	channel := frame.Array[1].Text()
	payload := []byte(frame.Array[2].Str)

	s.mu.Lock()
	handler := s.handlers[channel]
	s.mu.Unlock()
	if handler == nil {
		s.logger.Debug("notification for channel with no handler", "channel", channel)
		return
	}
	s.dispatch(handler, channel, payload)
}

func (s *SubConn) dispatch(handler MessageHandler, channel string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notification handler panicked", "channel", channel, "panic", r)
		}
	}()
	handler(channel, payload)
}

// teardownLocked closes the socket without marking the connection
// permanently closed. Callers hold s.mu.
func (s *SubConn) teardownLocked() {
	if s.sock != nil {
		s.sock.Close()
		s.sock = nil
	}
	if s.state != stateClosed {
		s.state = stateDisconnected
	}
}

// Close tears down the socket and clears all handlers. The connection
// cannot be reused afterwards.
func (s *SubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateClosed
	if s.sock != nil {
		s.sock.Close()
		s.sock = nil
	}
	s.handlers = make(map[string]MessageHandler)
	return nil
}
