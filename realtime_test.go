package jsocialflux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errDropped = errors.New("connection dropped")

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	frames     []string
	failWrites bool
	closeCode  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errDropped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errDropped
	default:
	}
	if c.failWrites {
		return errors.New("write failed")
	}
	c.frames = append(c.frames, string(data))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop() { c.Close(-1, "") }

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func (c *fakeConn) count(frame string) int {
	n := 0
	for _, f := range c.written() {
		if f == frame {
			n++
		}
	}
	return n
}

// fakeDialer hands out fakeConns. With a gate, every Dial waits for a value
// on it: nil accepts, an error fails the attempt.
type fakeDialer struct {
	gate   chan error
	dialed chan *fakeConn
}

func newFakeDialer(gated bool) *fakeDialer {
	d := &fakeDialer{dialed: make(chan *fakeConn, 16)}
	if gated {
		d.gate = make(chan error)
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.gate != nil {
		select {
		case err := <-d.gate:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	conn := newFakeConn()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

func testRealtimeConfig() *RealtimeConfig {
	return &RealtimeConfig{
		Reconnect: ReconnectPolicy{Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond},
	}
}

func newTestRealtime(t *testing.T, d *fakeDialer, cfg *RealtimeConfig) *RealtimeClient {
	t.Helper()
	if cfg == nil {
		cfg = testRealtimeConfig()
	}
	c := NewRealtimeClient("ws://test/ws", cfg, WithDialer(d), WithJitterSource(func() float64 { return 0 }))
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func subFrame(ch string) string   { return `{"type":"SUB","channel":"` + ch + `"}` }
func unsubFrame(ch string) string { return `{"type":"UNSUB","channel":"` + ch + `"}` }

const pingFrame = `{"type":"PING"}`

// ============================================================================
// Subscriptions
// ============================================================================

func TestRealtimeCoalescesSubscriptionsBeforeOpen(t *testing.T) {
	d := newFakeDialer(true)
	c := newTestRealtime(t, d, nil)
	ctx := testContext(t)

	errs := make(chan error, 2)
	go func() { errs <- c.Subscribe(ctx, "A") }()
	require.Eventually(t, func() bool { return len(c.Subscriptions()) == 1 }, time.Second, 5*time.Millisecond)
	go func() { errs <- c.Subscribe(ctx, "B") }()
	require.Eventually(t, func() bool { return len(c.Subscriptions()) == 2 }, time.Second, 5*time.Millisecond)
	c.Unsubscribe("A")
	require.Equal(t, []string{"B"}, c.Subscriptions())

	d.gate <- nil
	conn := d.next(t)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.Equal(t, []string{subFrame("B")}, conn.written())
	require.Equal(t, StateConnected, c.State())
}

func TestRealtimeSubscribeWhileConnected(t *testing.T) {
	d := newFakeDialer(false)
	c := newTestRealtime(t, d, nil)
	ctx := testContext(t)

	require.NoError(t, c.Ready(ctx))
	conn := d.next(t)

	require.NoError(t, c.Subscribe(ctx, "chat:1"))
	require.NoError(t, c.Subscribe(ctx, "chat:1"))
	require.NoError(t, c.Subscribe(ctx, ""))
	c.Unsubscribe("chat:1")

	require.Equal(t, []string{subFrame("chat:1"), unsubFrame("chat:1")}, conn.written())
	require.Empty(t, c.Subscriptions())
}

func TestRealtimeResubscribesAfterReconnect(t *testing.T) {
	d := newFakeDialer(false)
	c := newTestRealtime(t, d, nil)
	ctx := testContext(t)

	require.NoError(t, c.Subscribe(ctx, "chat:42"))
	first := d.next(t)
	require.Equal(t, []string{subFrame("chat:42")}, first.written())

	first.drop()
	second := d.next(t)
	require.Eventually(t, func() bool {
		return c.State() == StateConnected && second.count(subFrame("chat:42")) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{subFrame("chat:42")}, second.written())
}

// ============================================================================
// Send / queue
// ============================================================================

func TestRealtimeSendQueuesUntilOpen(t *testing.T) {
	d := newFakeDialer(true)
	c := newTestRealtime(t, d, nil)
	ctx := testContext(t)

	require.Equal(t, StateConnecting, c.State())

	errs := make(chan error, 1)
	go func() { errs <- c.Send(ctx, map[string]string{"type": "HELLO"}) }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.queue) == 1
	}, time.Second, 5*time.Millisecond)
	c.Ping()

	go func() { _ = c.Subscribe(ctx, "chat:7") }()
	require.Eventually(t, func() bool { return len(c.Subscriptions()) == 1 }, time.Second, 5*time.Millisecond)

	d.gate <- nil
	conn := d.next(t)
	require.NoError(t, <-errs)

	// Queued frames go out in FIFO order before the subscription replay.
	require.Equal(t, []string{`{"type":"HELLO"}`, pingFrame, subFrame("chat:7")}, conn.written())

	require.NoError(t, c.Send(ctx, "raw"))
	require.Equal(t, "raw", conn.written()[3])
}

func TestRealtimeQueueDropsOldest(t *testing.T) {
	d := newFakeDialer(true)
	cfg := testRealtimeConfig()
	cfg.MaxQueueSize = 2
	c := newTestRealtime(t, d, cfg)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for _, frame := range []string{"1", "2", "3"} {
		require.ErrorIs(t, c.Send(cancelled, frame), context.Canceled)
	}

	d.gate <- nil
	conn := d.next(t)
	require.NoError(t, c.Ready(testContext(t)))
	require.Equal(t, []string{"2", "3"}, conn.written())
}

func TestRealtimeWriteFailureReconnects(t *testing.T) {
	d := newFakeDialer(false)
	c := newTestRealtime(t, d, nil)
	ctx := testContext(t)

	require.NoError(t, c.Ready(ctx))
	first := d.next(t)
	first.mu.Lock()
	first.failWrites = true
	first.mu.Unlock()

	require.NoError(t, c.Send(ctx, "again"))
	second := d.next(t)
	require.Equal(t, []string{"again"}, second.written())
	require.Empty(t, first.written())
}

// ============================================================================
// Heartbeat
// ============================================================================

func TestRealtimeHeartbeat(t *testing.T) {
	d := newFakeDialer(true)
	cfg := testRealtimeConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	c := newTestRealtime(t, d, cfg)

	d.gate <- nil
	conn := d.next(t)
	require.Eventually(t, func() bool { return conn.count(pingFrame) >= 2 }, time.Second, 5*time.Millisecond)

	conn.drop()
	require.Eventually(t, func() bool { return c.State() != StateConnected }, time.Second, 5*time.Millisecond)
	pings := conn.count(pingFrame)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, pings, conn.count(pingFrame))
}

func TestRealtimeNotifyVisible(t *testing.T) {
	d := newFakeDialer(true)
	c := newTestRealtime(t, d, nil)

	c.NotifyVisible()
	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	require.Zero(t, queued)

	d.gate <- nil
	conn := d.next(t)
	require.NoError(t, c.Ready(testContext(t)))

	c.NotifyVisible()
	require.Equal(t, []string{pingFrame}, conn.written())
}

// ============================================================================
// Backoff
// ============================================================================

func TestRealtimeBackoffAfterFailedDials(t *testing.T) {
	d := newFakeDialer(true)
	c := newTestRealtime(t, d, nil)

	attempts := func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.recon.attempt
	}

	d.gate <- errors.New("refused")
	require.Eventually(t, func() bool { return attempts() == 1 }, time.Second, time.Millisecond)

	d.gate <- errors.New("refused")
	require.Eventually(t, func() bool { return attempts() == 2 }, time.Second, time.Millisecond)

	d.gate <- nil
	d.next(t)
	require.NoError(t, c.Ready(testContext(t)))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Zero(t, c.recon.attempt)
}

// ============================================================================
// Events / Close
// ============================================================================

func TestRealtimeDeliversEvents(t *testing.T) {
	d := newFakeDialer(false)
	c := newTestRealtime(t, d, nil)

	events := make(chan Event, 4)
	off := c.OnMessage(func(ev Event) { events <- ev })
	require.NoError(t, c.Ready(testContext(t)))
	conn := d.next(t)

	conn.in <- []byte(`{"chatId":3,"id":9,"content":"hi","senderUsername":"bob"}`)
	ev := <-events
	msg, ok := ev.(ChatMessageEvent)
	require.True(t, ok)
	require.Equal(t, int64(9), msg.Message.ID)
	require.Equal(t, "bob", msg.Message.SenderUsername)

	off()
	conn.in <- []byte(`{"event":"PONG"}`)
	conn.in <- []byte(`{"event":"KEEPALIVE"}`)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, events)
}

func TestRealtimeCloseReleasesWaiters(t *testing.T) {
	d := newFakeDialer(true)
	c := newTestRealtime(t, d, nil)
	ctx := testContext(t)

	errs := make(chan error, 2)
	go func() { errs <- c.Ready(ctx) }()
	go func() { errs <- c.Send(ctx, "late") }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, c.Close())
	require.ErrorIs(t, <-errs, ErrClientClosed)
	require.ErrorIs(t, <-errs, ErrClientClosed)

	require.Equal(t, StateClosed, c.State())
	require.ErrorIs(t, c.Send(ctx, "x"), ErrClientClosed)
	require.ErrorIs(t, c.Subscribe(ctx, "chat:1"), ErrClientClosed)
	require.ErrorIs(t, c.Ready(ctx), ErrClientClosed)
	require.NoError(t, c.Close())
}

func TestRealtimeCloseDoesNotReconnect(t *testing.T) {
	d := newFakeDialer(false)
	c := newTestRealtime(t, d, nil)
	ctx := testContext(t)

	require.NoError(t, c.Subscribe(ctx, "chat:1"))
	conn := d.next(t)

	require.NoError(t, c.Close())
	conn.mu.Lock()
	code := conn.closeCode
	conn.mu.Unlock()
	require.Equal(t, StatusNormalClosure, code)
	require.Empty(t, c.Subscriptions())

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, d.dialed)
	require.Equal(t, StateClosed, c.State())
}

// ============================================================================
// WebSocket round trip
// ============================================================================

func TestRealtimeWebSocketRoundTrip(t *testing.T) {
	frames := make(chan string, 4)
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			frames <- string(data)
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"PONG"}`)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c := NewRealtimeClient(url, &RealtimeConfig{Token: "tok"})
	defer c.Close()

	events := make(chan Event, 4)
	c.OnMessage(func(ev Event) { events <- ev })

	ctx := testContext(t)
	require.NoError(t, c.Subscribe(ctx, "chat:5"))
	require.Equal(t, "Bearer tok", <-auth)
	require.Equal(t, subFrame("chat:5"), <-frames)

	select {
	case ev := <-events:
		require.IsType(t, PongEvent{}, ev)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
