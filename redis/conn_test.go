package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/PylonLabs/pylon/redis/redistest"
	"github.com/PylonLabs/pylon/resp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestConn(t *testing.T, s *redistest.Server, db int, cmdTimeout time.Duration) *Conn {
	t.Helper()
	opts, err := ParseURL(s.URL(db))
	if err != nil {
		t.Fatalf("ParseURL() error = %v", err)
	}
	c := NewConn(Config{
		Options:        opts,
		Logger:         testLogger(),
		CommandTimeout: cmdTimeout,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnBasicCommands(t *testing.T) {
	s, err := redistest.New("")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	c := newTestConn(t, s, 0, 0)
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		reply, err := c.Do(ctx, "PING")
		if err != nil {
			t.Fatalf("Do(PING) error = %v", err)
		}
		if reply.Kind != resp.KindStatus || reply.Str != "PONG" {
			t.Errorf("Do(PING) got = %#v, want +PONG", reply)
		}
	})

	t.Run("set then get", func(t *testing.T) {
		if _, err := c.Do(ctx, "SET", "greeting", "hello"); err != nil {
			t.Fatalf("Do(SET) error = %v", err)
		}
		reply, err := c.Do(ctx, "GET", "greeting")
		if err != nil {
			t.Fatalf("Do(GET) error = %v", err)
		}
		if reply.Str != "hello" {
			t.Errorf("Do(GET) got = %q, want %q", reply.Str, "hello")
		}
	})

	t.Run("get missing key is null", func(t *testing.T) {
		reply, err := c.Do(ctx, "GET", "no-such-key")
		if err != nil {
			t.Fatalf("Do(GET) error = %v", err)
		}
		if !reply.IsNull() {
			t.Errorf("Do(GET missing) got kind = %v, want null", reply.Kind)
		}
	})

	t.Run("server error is a CommandError", func(t *testing.T) {
		_, err := c.Do(ctx, "NOSUCHCOMMAND")
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			t.Fatalf("Do() error = %v, want *CommandError", err)
		}
	})
}

func TestConnHandshake(t *testing.T) {
	s, err := redistest.New("sesame")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	t.Run("auth and select succeed", func(t *testing.T) {
		c := newTestConn(t, s, 2, 0)
		if _, err := c.Do(context.Background(), "PING"); err != nil {
			t.Errorf("Do(PING) after handshake error = %v", err)
		}
	})

	t.Run("bad password fails the whole connect", func(t *testing.T) {
		opts, _ := ParseURL(fmt.Sprintf("redis://:wrong@%s", s.Addr()))
		c := NewConn(Config{Options: opts, Logger: testLogger()})
		defer c.Close()

		err := c.Connect(context.Background())
		var hsErr *ErrHandshake
		if !errors.As(err, &hsErr) {
			t.Fatalf("Connect() error = %v, want *ErrHandshake", err)
		}
		if hsErr.Step != "authenticate" {
			t.Errorf("handshake failed at step %q, want authenticate", hsErr.Step)
		}
	})
}

func TestConnPipelinedOrdering(t *testing.T) {
	s, err := redistest.New("")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	// Each scripted command holds the server lock for the requested
	// time, so replies are emitted strictly in submission order and
	// far enough apart to observe the resolution order reliably.
	s.HandleScript("sleep-marker", func(db *redistest.DB, keys, args []string) resp.Reply {
		ms, _ := time.ParseDuration(args[0] + "ms")
		time.Sleep(ms)
		return resp.Status("DONE")
	})

	c := newTestConn(t, s, 0, 2*time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	record := func(tag string) {
		mu.Lock()
		order = append(order, tag)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	run := func(tag string, name string, args ...string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Do(ctx, name, args...); err != nil {
				t.Errorf("Do(%s) error = %v", tag, err)
				return
			}
			record(tag)
		}()
		// Give the goroutine time to hit the socket so submission
		// order is deterministic.
		time.Sleep(30 * time.Millisecond)
	}

	run("a", "EVAL", "-- sleep-marker", "0", "150")
	run("b", "EVAL", "-- sleep-marker", "0", "80")
	run("c", "EVAL", "-- sleep-marker", "0", "80")
	wg.Wait()

	want := []string{"a", "b", "c"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Errorf("resolution order = %v, want %v", order, want)
	}
}

func TestConnConcurrentCorrelation(t *testing.T) {
	s, err := redistest.New("")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	c := newTestConn(t, s, 0, 0)
	ctx := context.Background()

	// Many concurrent callers pipelining on one socket: every caller
	// must get back exactly its own payload.
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf("payload-%d", i)
			reply, err := c.Do(ctx, "ECHO", payload)
			if err != nil {
				t.Errorf("Do(ECHO %d) error = %v", i, err)
				return
			}
			if reply.Str != payload {
				t.Errorf("Do(ECHO %d) got = %q, want %q", i, reply.Str, payload)
			}
		}(i)
	}
	wg.Wait()
}

func TestConnTimeoutDoesNotMisalignLaterCommands(t *testing.T) {
	s, err := redistest.New("")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	s.HandleScript("stall-marker", func(db *redistest.DB, keys, args []string) resp.Reply {
		time.Sleep(250 * time.Millisecond)
		return resp.Bulk("stale")
	})

	c := newTestConn(t, s, 0, 150*time.Millisecond)
	ctx := context.Background()

	if _, err := c.Do(ctx, "EVAL", "-- stall-marker", "0"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Do(slow EVAL) error = %v, want ErrTimeout", err)
	}

	// The stale reply lands ~100ms from now, after the echo below is
	// already queued behind the abandoned entry. The echo must get its
	// own reply, not the timed-out command's.
	reply, err := c.Do(ctx, "ECHO", "fresh")
	if err != nil {
		t.Fatalf("Do(ECHO) after timeout error = %v", err)
	}
	if reply.Str != "fresh" {
		t.Errorf("Do(ECHO) got = %q, want %q (stray reply misaligned the queue)", reply.Str, "fresh")
	}
}

func TestConnDropRejectsPendingAndReconnects(t *testing.T) {
	s, err := redistest.New("")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	s.HandleScript("hang-marker", func(db *redistest.DB, keys, args []string) resp.Reply {
		time.Sleep(300 * time.Millisecond)
		return resp.Status("OK")
	})

	c := newTestConn(t, s, 0, 5*time.Second)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(ctx, "EVAL", "-- hang-marker", "0")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	s.DropClients()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Do() during drop expected error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending command not rejected after connection drop")
	}

	// Next use redials implicitly; the listener is still up.
	if _, err := c.Do(ctx, "PING"); err != nil {
		t.Errorf("Do(PING) after reconnect error = %v", err)
	}
}

func TestConnClose(t *testing.T) {
	s, err := redistest.New("")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	c := newTestConn(t, s, 0, 0)
	ctx := context.Background()
	if _, err := c.Do(ctx, "PING"); err != nil {
		t.Fatalf("Do(PING) error = %v", err)
	}

	c.Close()

	if _, err := c.Do(ctx, "PING"); !errors.Is(err, ErrClosed) {
		t.Errorf("Do() after Close error = %v, want ErrClosed", err)
	}
	if err := c.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
}

func TestConnSharedConnect(t *testing.T) {
	s, err := redistest.New("")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	c := newTestConn(t, s, 0, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				t.Errorf("Connect() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := c.Do(ctx, "PING"); err != nil {
		t.Errorf("Do(PING) error = %v", err)
	}
}
