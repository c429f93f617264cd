/*
Package redis is a hand-rolled client for the remote coordination
store's wire protocol. It deliberately avoids a prebuilt client
library: the layer above needs exact control over pipelining, script
evaluation, and the dedicated notification socket.

Two connection types share the codec but nothing else:

  - Conn issues application commands, pipelined over one TCP socket
    with strictly FIFO reply correlation.
  - SubConn holds a second socket in notification mode and dispatches
    push frames to a handler.

Reply correlation is positional. The store guarantees replies are
emitted in the exact order commands were received; that guarantee is
load-bearing. If this client is ever pointed at a store without
in-order replies, positional matching must be replaced with explicit
request tagging.
*/
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/PylonLabs/pylon/resp"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultCommandTimeout = 5 * time.Second
)

// Config configures a Conn or SubConn. The zero timeouts fall back to
// package defaults.
type Config struct {
	Options        Options
	Logger         *slog.Logger
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

func (cfg *Config) fill() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateClosed // terminal; only an explicit Close lands here
)

type result struct {
	reply resp.Reply
	err   error
}

// pendingCommand is one queue entry, created at submission. It lives
// until a reply is decoded for its position or a connection error
// rejects the queue. A timed-out entry is not removed from the queue:
// it stays in place, marked abandoned, so the store's late reply is
// consumed positionally and discarded instead of being matched to the
// next command. That closes the stray-reply misalignment hazard that
// purely positional correlation otherwise carries.
type pendingCommand struct {
	done      chan result // buffered; delivery never blocks the read loop
	abandoned bool        // guarded by Conn.mu
}

// Conn is a pipelined command connection. Many goroutines may call Do
// concurrently; writes are serialized and each caller blocks only on
// its own reply.
type Conn struct {
	opts        Options
	logger      *slog.Logger
	dialTimeout time.Duration
	cmdTimeout  time.Duration

	// redial paces implicit reconnect attempts so a dead store does
	// not turn every submitted command into a fresh dial.
	redial *rate.Limiter

	mu         sync.Mutex
	state      connState
	sock       net.Conn
	queue      []*pendingCommand // FIFO; queue[0] owns the next reply
	connecting chan struct{}     // closed when the in-flight connect settles
	connectErr error
}

// NewConn builds a command connection. No I/O happens until Connect
// or the first Do.
func NewConn(cfg Config) *Conn {
	cfg.fill()
	return &Conn{
		opts:        cfg.Options,
		logger:      cfg.Logger.WithGroup("redis_conn"),
		dialTimeout: cfg.DialTimeout,
		cmdTimeout:  cfg.CommandTimeout,
		redial:      rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// Connect dials the store and runs the authenticate/select handshake.
// Concurrent callers share one in-flight attempt: whoever arrives while
// a connect is running waits for that attempt's outcome instead of
// racing an independent dial.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	case stateConnected:
		c.mu.Unlock()
		return nil
	case stateConnecting:
		settled := c.connecting
		c.mu.Unlock()
		select {
		case <-settled:
			c.mu.Lock()
			err := c.connectErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	settled := make(chan struct{})
	c.connecting = settled
	c.state = stateConnecting
	c.mu.Unlock()

	sock, err := c.dial(ctx)

	c.mu.Lock()
	if c.state == stateClosed {
		// Close raced the handshake; the socket is surplus.
		if sock != nil {
			sock.Close()
		}
		err = ErrClosed
	}
	if err != nil {
		if c.state != stateClosed {
			c.state = stateDisconnected
		}
		c.connectErr = err
		close(settled)
		c.mu.Unlock()
		return err
	}
	c.sock = sock
	c.state = stateConnected
	c.connectErr = nil
	close(settled)
	c.mu.Unlock()

	c.logger.Debug("connected", "addr", c.opts.Addr, "db", c.opts.DB)
	go c.readLoop(sock)
	return nil
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	if err := c.redial.Wait(ctx); err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: c.dialTimeout}
	sock, err := d.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return nil, &ErrHandshake{Step: "dial", Err: err}
	}
	if err := handshake(sock, c.dialTimeout, c.opts); err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}

// handshake runs the optional AUTH and SELECT steps synchronously on a
// socket that has no read loop attached yet. Both connection types use
// it; for the subscription connection this is the short-lived one-shot
// reply path that exists before notification mode takes over.
func handshake(sock net.Conn, timeout time.Duration, opts Options) error {
	if opts.Password != "" {
		if _, err := exchange(sock, timeout, "AUTH", opts.Password); err != nil {
			return &ErrHandshake{Step: "authenticate", Err: err}
		}
	}
	if opts.DB != 0 {
		if _, err := exchange(sock, timeout, "SELECT", strconv.Itoa(opts.DB)); err != nil {
			return &ErrHandshake{Step: "select", Err: err}
		}
	}
	return nil
}

// exchange writes one command and blocks for exactly one reply. Only
// valid while no read loop owns the socket.
func exchange(sock net.Conn, timeout time.Duration, name string, args ...string) (resp.Reply, error) {
	sock.SetDeadline(time.Now().Add(timeout))
	defer sock.SetDeadline(time.Time{})

	if _, err := sock.Write(resp.EncodeCommand(name, args...)); err != nil {
		return resp.Reply{}, err
	}

	buf := make([]byte, 0, 256)
	chunk := make([]byte, 512)
	for {
		n, err := sock.Read(chunk)
		if err != nil {
			return resp.Reply{}, err
		}
		buf = append(buf, chunk[:n]...)
		reply, _, derr := resp.Decode(buf)
		if errors.Is(derr, resp.ErrIncomplete) {
			continue
		}
		if derr != nil {
			return resp.Reply{}, derr
		}
		if reply.Kind == resp.KindError {
			return reply, &CommandError{Message: reply.Str}
		}
		return reply, nil
	}
}

// Do submits one command and blocks for its reply. Commands pipeline:
// the encoded bytes hit the socket immediately, before earlier replies
// arrive. A disconnected Conn redials implicitly, sharing any connect
// already in flight.
//
// A timeout or context cancellation rejects only this caller; it
// cannot recall bytes already written to the socket.
func (c *Conn) Do(ctx context.Context, name string, args ...string) (resp.Reply, error) {
	if err := c.Connect(ctx); err != nil {
		return resp.Reply{}, err
	}

	p := &pendingCommand{done: make(chan result, 1)}
	encoded := resp.EncodeCommand(name, args...)

	c.mu.Lock()
	if c.state != stateConnected {
		// The connection dropped between Connect and submission.
		c.mu.Unlock()
		return resp.Reply{}, ErrClosed
	}
	// Enqueue and write under one lock so queue order always matches
	// wire order; that is what positional correlation rests on.
	c.queue = append(c.queue, p)
	if _, err := c.sock.Write(encoded); err != nil {
		c.dropLocked(err)
		c.mu.Unlock()
		return resp.Reply{}, fmt.Errorf("redis: write %s: %w", name, err)
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.cmdTimeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		if res.err != nil {
			return resp.Reply{}, res.err
		}
		if res.reply.Kind == resp.KindError {
			return res.reply, &CommandError{Message: res.reply.Str}
		}
		return res.reply, nil
	case <-timer.C:
		c.abandon(p)
		c.logger.Warn("command timed out", "command", name)
		return resp.Reply{}, ErrTimeout
	case <-ctx.Done():
		c.abandon(p)
		return resp.Reply{}, ctx.Err()
	}
}

// abandon marks a pending command so its eventual reply is discarded.
// The entry keeps its queue position; see pendingCommand.
func (c *Conn) abandon(p *pendingCommand) {
	c.mu.Lock()
	p.abandoned = true
	c.mu.Unlock()
}

func (c *Conn) readLoop(sock net.Conn) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := sock.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				reply, consumed, derr := resp.Decode(buf)
				if errors.Is(derr, resp.ErrIncomplete) {
					// Keep the unparsed tail and wait for more bytes.
					break
				}
				buf = buf[consumed:]
				c.deliver(sock, reply)
			}
		}
		if err != nil {
			c.drop(sock, err)
			return
		}
	}
}

// deliver completes the oldest pending command with the decoded reply.
func (c *Conn) deliver(sock net.Conn, reply resp.Reply) {
	c.mu.Lock()
	if c.sock != sock {
		// A stale read loop from a previous socket generation.
		c.mu.Unlock()
		return
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		c.logger.Warn("reply arrived with no pending command", "kind", reply.Kind.String())
		return
	}
	p := c.queue[0]
	c.queue = c.queue[1:]
	abandoned := p.abandoned
	c.mu.Unlock()

	if abandoned {
		c.logger.Debug("discarded late reply for timed out command", "kind", reply.Kind.String())
		return
	}
	p.done <- result{reply: reply}
}

func (c *Conn) drop(sock net.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock != sock {
		return
	}
	c.logger.Warn("connection dropped", "addr", c.opts.Addr, "error", err)
	c.dropLocked(err)
}

// dropLocked tears down the socket and rejects every pending command
// with the given error. Callers hold c.mu.
func (c *Conn) dropLocked(err error) {
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	if c.state != stateClosed {
		c.state = stateDisconnected
	}
	for _, p := range c.queue {
		if !p.abandoned {
			p.done <- result{err: err}
		}
	}
	c.queue = nil
}

// Close permanently shuts the connection down, rejecting all pending
// commands. Subsequent Do and Connect calls return ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateClosed
	c.dropLocked(ErrClosed)
	return nil
}
