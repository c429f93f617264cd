package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PylonLabs/pylon/redis/redistest"
)

type recordedMessage struct {
	channel string
	payload string
}

// messageRecorder collects handler invocations for assertions.
type messageRecorder struct {
	mu       sync.Mutex
	messages []recordedMessage
}

func (r *messageRecorder) handler(channel string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, recordedMessage{channel: channel, payload: string(payload)})
}

func (r *messageRecorder) snapshot() []recordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *messageRecorder) waitFor(t *testing.T, n int) []recordedMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := r.snapshot(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(r.snapshot()))
	return nil
}

func newTestSubConn(t *testing.T, s *redistest.Server, db int) *SubConn {
	t.Helper()
	opts, err := ParseURL(s.URL(db))
	if err != nil {
		t.Fatalf("ParseURL() error = %v", err)
	}
	sc := NewSubConn(Config{Options: opts, Logger: testLogger()})
	t.Cleanup(func() { sc.Close() })
	return sc
}

func TestSubConnReceivesNotifications(t *testing.T) {
	s, err := redistest.New("sesame")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	sc := newTestSubConn(t, s, 1)
	rec := &messageRecorder{}
	if err := sc.Subscribe(context.Background(), "updates", rec.handler); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Published both server-side and through a command connection: the
	// subscriber must see both, and never the subscribe ack.
	s.Publish("updates", []byte("first"))

	c := newTestConn(t, s, 1, 0)
	if _, err := c.Do(context.Background(), "PUBLISH", "updates", "second"); err != nil {
		t.Fatalf("Do(PUBLISH) error = %v", err)
	}

	msgs := rec.waitFor(t, 2)
	if msgs[0].channel != "updates" || msgs[0].payload != "first" {
		t.Errorf("first message = %+v, want updates/first", msgs[0])
	}
	if msgs[1].payload != "second" {
		t.Errorf("second message = %+v, want updates/second", msgs[1])
	}
}

func TestSubConnIgnoresOtherChannels(t *testing.T) {
	s, err := redistest.New("")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	sc := newTestSubConn(t, s, 0)
	rec := &messageRecorder{}
	if err := sc.Subscribe(context.Background(), "mine", rec.handler); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	s.Publish("other", []byte("noise"))
	s.Publish("mine", []byte("signal"))

	msgs := rec.waitFor(t, 1)
	if msgs[0].payload != "signal" {
		t.Errorf("got payload %q, want %q", msgs[0].payload, "signal")
	}
}

func TestSubConnHandlerPanicDoesNotKillReadLoop(t *testing.T) {
	s, err := redistest.New("")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	sc := newTestSubConn(t, s, 0)
	rec := &messageRecorder{}
	first := true
	handler := func(channel string, payload []byte) {
		if first {
			first = false
			panic("handler exploded")
		}
		rec.handler(channel, payload)
	}
	if err := sc.Subscribe(context.Background(), "volatile", handler); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	s.Publish("volatile", []byte("boom"))
	time.Sleep(50 * time.Millisecond)
	s.Publish("volatile", []byte("still alive"))

	msgs := rec.waitFor(t, 1)
	if msgs[0].payload != "still alive" {
		t.Errorf("got payload %q, want %q", msgs[0].payload, "still alive")
	}
}

func TestSubConnClose(t *testing.T) {
	s, err := redistest.New("")
	if err != nil {
		t.Fatalf("redistest.New() error = %v", err)
	}
	defer s.Close()

	sc := newTestSubConn(t, s, 0)
	rec := &messageRecorder{}
	if err := sc.Subscribe(context.Background(), "updates", rec.handler); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	sc.Close()

	if err := sc.Subscribe(context.Background(), "updates", rec.handler); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrClosed", err)
	}

	s.Publish("updates", []byte("ghost"))
	time.Sleep(50 * time.Millisecond)
	if msgs := rec.snapshot(); len(msgs) != 0 {
		t.Errorf("received %d messages after Close, want 0", len(msgs))
	}
}
