package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pulsefit/sync_layer/internal/cache"
)

// fakeConn is a scriptable Conn.
type fakeConn struct {
	mu      sync.Mutex
	joined  []string
	joinErr map[string]error
	events  chan Event
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan Event, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Join(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.joinErr[topic]; err != nil {
		return err
	}
	c.joined = append(c.joined, topic)
	return nil
}

func (c *fakeConn) Leave(ctx context.Context, topic string) error { return nil }

func (c *fakeConn) Read() (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return Event{}, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) joinedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joined...)
}

// fakeTransport hands out fakeConns and can fail the first N dials.
type fakeTransport struct {
	mu        sync.Mutex
	dials     int
	failFirst int
	conns     []*fakeConn
	joinErr   map[string]error
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dials <= t.failFirst {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	c.joinErr = t.joinErr
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

// recordingCache captures invalidations.
type recordingCache struct {
	mu       sync.Mutex
	prefixes []cache.Key
}

func (c *recordingCache) Invalidate(prefix cache.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefixes = append(c.prefixes, prefix)
}

func (c *recordingCache) invalidated() []cache.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cache.Key(nil), c.prefixes...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testRoutes() Routes {
	return Routes{
		{
			Topic: "user:{userID}:goals",
			Events: map[string][]cache.Key{
				EventAny: {cache.K("goals")},
			},
		},
		{
			Topic: "user:{userID}:habits",
			Events: map[string][]cache.Key{
				EventAny: {cache.K("habits")},
			},
		},
	}
}

func newTestService(transport Transport, qc Invalidator) *Service {
	return NewService(ServiceOptions{
		Transport:       transport,
		Routes:          testRoutes(),
		Cache:           qc,
		ReconnectDelays: []time.Duration{time.Millisecond, 2 * time.Millisecond},
		MaxJoinAttempts: 2,
		JoinRetryDelay:  time.Millisecond,
	})
}

func TestStartJoinsAllUserTopics(t *testing.T) {
	transport := &fakeTransport{}
	svc := newTestService(transport, &recordingCache{})
	defer svc.Stop(false)

	if err := svc.Start("u1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	waitFor(t, func() bool { return svc.Status().ChannelCount == 2 })
	conn := transport.conn(0)
	topics := conn.joinedTopics()
	if len(topics) != 2 {
		t.Fatalf("joined topics = %v", topics)
	}
	if !svc.Status().Connected {
		t.Fatal("status not connected")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	svc := newTestService(transport, &recordingCache{})
	defer svc.Stop(false)

	svc.Start("u1")
	waitFor(t, func() bool { return svc.Status().Connected })
	svc.Start("u1")
	svc.Start("u1")
	time.Sleep(10 * time.Millisecond)

	if n := transport.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1 (Start must be idempotent)", n)
	}
}

func TestStartForNewUserTearsDownOldSession(t *testing.T) {
	transport := &fakeTransport{}
	svc := newTestService(transport, &recordingCache{})
	defer svc.Stop(false)

	svc.Start("u1")
	waitFor(t, func() bool { return svc.Status().Connected })
	svc.Start("u2")
	waitFor(t, func() bool {
		c := transport.conn(1)
		return c != nil && len(c.joinedTopics()) == 2
	})

	topics := transport.conn(1).joinedTopics()
	for _, topic := range topics {
		if topic == "user:u1:goals" || topic == "user:u1:habits" {
			t.Fatalf("channel for previous user joined: %v", topics)
		}
	}
}

func TestEventInvalidatesMappedPrefixes(t *testing.T) {
	transport := &fakeTransport{}
	qc := &recordingCache{}
	svc := newTestService(transport, qc)
	defer svc.Stop(false)

	svc.Start("u1")
	waitFor(t, func() bool { return svc.Status().ChannelCount == 2 })

	transport.conn(0).events <- Event{Topic: "user:u1:goals", Type: "INSERT"}

	waitFor(t, func() bool { return len(qc.invalidated()) == 1 })
	if got := qc.invalidated()[0]; !got.Equal(cache.K("goals")) {
		t.Fatalf("invalidated %v, want [goals]", got)
	}
}

func TestEventForUnknownChannelIsDropped(t *testing.T) {
	transport := &fakeTransport{}
	qc := &recordingCache{}
	svc := newTestService(transport, qc)
	defer svc.Stop(false)

	svc.Start("u1")
	waitFor(t, func() bool { return svc.Status().ChannelCount == 2 })

	// An event for a channel belonging to another user's session.
	transport.conn(0).events <- Event{Topic: "user:u9:goals", Type: "INSERT"}
	time.Sleep(20 * time.Millisecond)

	if n := len(qc.invalidated()); n != 0 {
		t.Fatalf("stale-owner event invalidated %d prefixes", n)
	}
}

func TestStopTearsDownChannels(t *testing.T) {
	transport := &fakeTransport{}
	svc := newTestService(transport, &recordingCache{})

	svc.Start("u1")
	waitFor(t, func() bool { return svc.Status().ChannelCount == 2 })

	svc.Stop(false)
	st := svc.Status()
	if st.Connected || st.ChannelCount != 0 {
		t.Fatalf("after Stop: %+v", st)
	}

	// Events delivered after teardown are no-ops (connection is closed, but
	// dispatch on a torn-down channel set must also be safe).
	svc.dispatch(Event{Topic: "user:u1:goals", Type: "INSERT"}, "u1")
}

func TestGracefulStopRetainsUserForResume(t *testing.T) {
	transport := &fakeTransport{}
	svc := newTestService(transport, &recordingCache{})
	defer svc.Stop(false)

	svc.Start("u1")
	waitFor(t, func() bool { return svc.Status().Connected })
	svc.Stop(true)

	svc.mu.Lock()
	userID, topics := svc.userID, svc.topics
	svc.mu.Unlock()
	if userID != "u1" {
		t.Fatalf("graceful stop cleared userID: %q", userID)
	}
	if len(topics) == 0 {
		t.Fatal("graceful stop discarded derived topics")
	}

	// Resume reconnects for the same user.
	svc.Start("u1")
	waitFor(t, func() bool { return svc.Status().Connected })
	if n := transport.dialCount(); n != 2 {
		t.Fatalf("dials = %d, want 2", n)
	}
}

func TestCleanupDiscardsEverything(t *testing.T) {
	transport := &fakeTransport{}
	svc := newTestService(transport, &recordingCache{})

	svc.Start("u1")
	waitFor(t, func() bool { return svc.Status().Connected })
	svc.Cleanup()

	svc.mu.Lock()
	userID, topics := svc.userID, svc.topics
	svc.mu.Unlock()
	if userID != "" || topics != nil {
		t.Fatalf("cleanup retained state: user=%q topics=%v", userID, topics)
	}
	if st := svc.Status(); st.ChannelCount != 0 || st.ReconnectAttempts != 0 {
		t.Fatalf("cleanup status: %+v", st)
	}
}

func TestReconnectAfterDialFailures(t *testing.T) {
	transport := &fakeTransport{failFirst: 3}
	svc := newTestService(transport, &recordingCache{})
	defer svc.Stop(false)

	svc.Start("u1")

	// Attempts climb while dials fail, then reset on success.
	waitFor(t, func() bool { return svc.Status().Connected })
	if n := transport.dialCount(); n != 4 {
		t.Fatalf("dials = %d, want 4", n)
	}
	if st := svc.Status(); st.ReconnectAttempts != 0 {
		t.Fatalf("reconnectAttempts = %d after successful connect", st.ReconnectAttempts)
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	transport := &fakeTransport{}
	svc := newTestService(transport, &recordingCache{})
	defer svc.Stop(false)

	svc.Start("u1")
	waitFor(t, func() bool { return svc.Status().ChannelCount == 2 })

	// Kill the live connection; the service must dial again and rejoin.
	transport.conn(0).Close()
	waitFor(t, func() bool {
		c := transport.conn(1)
		return c != nil && len(c.joinedTopics()) == 2
	})
	waitFor(t, func() bool { return svc.Status().Connected })
}

func TestReconnectDelayLadder(t *testing.T) {
	svc := NewService(ServiceOptions{
		Transport: &fakeTransport{},
		Routes:    testRoutes(),
		Cache:     &recordingCache{},
	})

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		10 * time.Second, // cap repeats
		10 * time.Second,
	}
	for i, w := range want {
		if got := svc.reconnectDelay(i + 1); got != w {
			t.Errorf("reconnectDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestChannelJoinFailureDoesNotBlockOthers(t *testing.T) {
	transport := &fakeTransport{
		joinErr: map[string]error{"user:u1:habits": errors.New("join rejected")},
	}
	svc := newTestService(transport, &recordingCache{})
	defer svc.Stop(false)

	svc.Start("u1")
	waitFor(t, func() bool { return svc.Status().ChannelCount == 1 })

	st := svc.Status()
	var errored int
	for _, ch := range st.Channels {
		if ch.State == ChannelError {
			errored++
		}
	}
	if errored != 1 {
		t.Fatalf("errored channels = %d, want 1 (status: %+v)", errored, st)
	}
	if !st.Connected {
		t.Fatal("one bad channel must not take the connection down")
	}
}
