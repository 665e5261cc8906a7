package registry

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeTransport simulates a client session without a network connection.
type fakeTransport struct {
	in         chan []byte
	written    chan []byte
	answerPing bool

	mu     sync.Mutex
	closed int
}

func newFakeTransport(answerPing bool) *fakeTransport {
	return &fakeTransport{
		in:         make(chan []byte, 8),
		written:    make(chan []byte, 32),
		answerPing: answerPing,
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case t.written <- data:
	default:
	}
	return nil
}

func (t *fakeTransport) Ping(ctx context.Context) error {
	if t.answerPing {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func testConn(reg *Registry, handle string) *Conn {
	return NewConn(reg, newFakeTransport(true), handle, HeartbeatConfig{}, slog.Default())
}

func TestRegisterUnregister(t *testing.T) {
	reg := New(slog.Default())

	c1 := testConn(reg, "00000001")
	c2 := testConn(reg, "00000001")
	c3 := testConn(reg, "00000002")

	reg.Register(c1)
	reg.Register(c2)
	reg.Register(c3)

	if got := reg.ConnectionCount(); got != 3 {
		t.Fatalf("ConnectionCount = %d, want 3", got)
	}
	if got := reg.IdentityCount(); got != 2 {
		t.Fatalf("IdentityCount = %d, want 2", got)
	}

	reg.Unregister(c1)
	if !reg.IsPresent("00000001") {
		t.Error("identity should remain present while a connection survives")
	}

	reg.Unregister(c2)
	if reg.IsPresent("00000001") {
		t.Error("identity should be absent after last unregister")
	}
	if got := reg.IdentityCount(); got != 1 {
		t.Errorf("IdentityCount = %d, want 1", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	reg := New(slog.Default())
	c := testConn(reg, "00000001")
	reg.Register(c)
	reg.Unregister(c)
	// Must not panic or close the send channel twice.
	reg.Unregister(c)

	if got := reg.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", got)
	}
}

func TestMultiDevicePush(t *testing.T) {
	reg := New(slog.Default())

	c1 := testConn(reg, "00000001")
	c2 := testConn(reg, "00000001")
	reg.Register(c1)
	reg.Register(c2)

	payload := []byte(`{"type":"new_message"}`)
	if !reg.Push("00000001", payload) {
		t.Fatal("Push = false, want true")
	}

	for _, c := range []*Conn{c1, c2} {
		select {
		case data := <-c.send:
			if !bytes.Equal(data, payload) {
				t.Errorf("payload = %s, want %s", data, payload)
			}
		default:
			t.Fatal("connection did not receive payload")
		}
	}

	reg.Unregister(c1)
	if !reg.Push("00000001", payload) {
		t.Error("remaining connection should still be reachable")
	}
}

func TestPushAbsentIdentity(t *testing.T) {
	reg := New(slog.Default())
	if reg.Push("00000009", []byte("x")) {
		t.Error("Push to absent identity should report false")
	}
}

func TestPushFullBuffer(t *testing.T) {
	reg := New(slog.Default())
	c := testConn(reg, "00000001")
	reg.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		reg.Push("00000001", []byte("fill"))
	}

	// Buffer is full: the frame is dropped and delivery reported false.
	if reg.Push("00000001", []byte("overflow")) {
		t.Error("Push should report false when every buffer is full")
	}
}

func TestBroadcast(t *testing.T) {
	reg := New(slog.Default())
	c1 := testConn(reg, "00000001")
	c2 := testConn(reg, "00000002")
	reg.Register(c1)
	reg.Register(c2)

	reg.Broadcast([]byte("hello"))

	for _, c := range []*Conn{c1, c2} {
		select {
		case <-c.send:
		default:
			t.Fatal("broadcast missed a connection")
		}
	}
}

type recordingHooks struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (h *recordingHooks) IdentityOnline(handle string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online = append(h.online, handle)
}

func (h *recordingHooks) IdentityOffline(handle string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline = append(h.offline, handle)
}

func TestPresenceHooks(t *testing.T) {
	reg := New(slog.Default())
	hooks := &recordingHooks{}
	reg.SetPresenceHooks(hooks)

	c1 := testConn(reg, "00000001")
	c2 := testConn(reg, "00000001")

	reg.Register(c1)
	reg.Register(c2) // second device: no new online event
	reg.Unregister(c1)
	reg.Unregister(c2)

	if len(hooks.online) != 1 || hooks.online[0] != "00000001" {
		t.Errorf("online events = %v, want one for 00000001", hooks.online)
	}
	if len(hooks.offline) != 1 || hooks.offline[0] != "00000001" {
		t.Errorf("offline events = %v, want one for 00000001", hooks.offline)
	}
}

func TestHeartbeatTimeoutClosesOnce(t *testing.T) {
	reg := New(slog.Default())
	transport := newFakeTransport(false) // never answers probes
	c := NewConn(reg, transport, "00000001", HeartbeatConfig{
		IdleTimeout:  20 * time.Millisecond,
		ProbeTimeout: 10 * time.Millisecond,
	}, slog.Default())

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after unanswered probe")
	}

	if got := reg.ConnectionCount(); got != 0 {
		t.Errorf("ConnectionCount = %d, want 0", got)
	}
	if got := transport.closeCount(); got != 1 {
		t.Errorf("transport closed %d times, want exactly 1", got)
	}

	// Teardown already unregistered the connection; a late unregister
	// must be a no-op.
	reg.Unregister(c)
}

func TestHeartbeatSurvivesAnsweredProbe(t *testing.T) {
	reg := New(slog.Default())
	transport := newFakeTransport(true)
	c := NewConn(reg, transport, "00000001", HeartbeatConfig{
		IdleTimeout:  15 * time.Millisecond,
		ProbeTimeout: 10 * time.Millisecond,
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// Long enough for several probe rounds.
	time.Sleep(80 * time.Millisecond)
	if got := reg.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1 while probes are answered", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not shut down on cancel")
	}
}

func TestClientPingAnsweredWithPong(t *testing.T) {
	reg := New(slog.Default())
	transport := newFakeTransport(true)
	c := NewConn(reg, transport, "00000001", HeartbeatConfig{}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	transport.in <- []byte(`{"type":"ping"}`)

	select {
	case data := <-transport.written:
		if !bytes.Equal(data, pongFrame) {
			t.Errorf("reply = %s, want %s", data, pongFrame)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong reply to client ping")
	}

	cancel()
	<-done
}

func TestConcurrentAccess(t *testing.T) {
	reg := New(slog.Default())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := testConn(reg, "00000007")
			reg.Register(c)
			reg.Push("00000007", []byte("x"))
			reg.Broadcast([]byte("y"))
			reg.Unregister(c)
		}()
	}

	wg.Wait()

	if got := reg.ConnectionCount(); got != 0 {
		t.Errorf("ConnectionCount = %d, want 0 after concurrent churn", got)
	}
}
