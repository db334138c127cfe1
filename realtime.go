package jsocialflux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Wire Messages
// ============================================================================

// Control message types understood by the realtime endpoint.
const (
	WireSub   = "SUB"
	WireUnsub = "UNSUB"
	WirePing  = "PING"
)

// WireMessage is a client-to-server control frame.
type WireMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// ErrClientClosed is returned by blocking calls once Close has been called.
var ErrClientClosed = errors.New("realtime client closed")

func encodeFrame(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

func wireFrame(typ, channel string) []byte {
	// Marshal of two strings cannot fail.
	data, _ := json.Marshal(WireMessage{Type: typ, Channel: channel})
	return data
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient. Zero fields take defaults.
type RealtimeConfig struct {
	Reconnect         ReconnectPolicy
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	// MaxQueueSize bounds the outbound queue; the oldest frame is dropped
	// when full. 0 means unbounded.
	MaxQueueSize int
	// Token is sent as a bearer Authorization header on the handshake.
	Token      string
	Header     http.Header
	HTTPClient *http.Client
	ReadLimit  int64
}

func (c *RealtimeConfig) defaults() {
	if c.Reconnect.isZero() {
		c.Reconnect = DefaultReconnectPolicy()
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

func (c *RealtimeConfig) dialer() *WSDialer {
	header := c.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}
	return &WSDialer{HTTPClient: c.HTTPClient, Header: header, ReadLimit: c.ReadLimit}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
	StateClosed       RealtimeState = "closed"
)

var allStates = []RealtimeState{StateConnecting, StateConnected, StateReconnecting, StateClosed}

// RealtimeOption customizes a RealtimeClient.
type RealtimeOption func(*RealtimeClient)

// WithDialer replaces the default WebSocket dialer.
func WithDialer(d Dialer) RealtimeOption {
	return func(c *RealtimeClient) { c.dialer = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) RealtimeOption {
	return func(c *RealtimeClient) { c.log = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *RealtimeMetrics) RealtimeOption {
	return func(c *RealtimeClient) { c.metrics = m }
}

// WithJitterSource sets the [0,1) random source used for backoff jitter.
func WithJitterSource(fn func() float64) RealtimeOption {
	return func(c *RealtimeClient) { c.jitter = fn }
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient keeps one persistent connection to the realtime endpoint.
// It reconnects with backoff after unexpected closes, replays the
// subscription registry on every open, flushes frames queued while
// disconnected and keeps the connection alive with periodic PINGs.
type RealtimeClient struct {
	url       string
	config    RealtimeConfig
	dialer    Dialer
	log       zerolog.Logger
	metrics   *RealtimeMetrics
	jitter    func() float64
	listeners *listenerSet

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}

	mu           sync.Mutex
	state        RealtimeState
	gen          uint64
	conn         Conn
	connCtx      context.Context
	connCancel   context.CancelFunc
	connID       string
	connecting   bool
	manualClosed bool
	recon        *reconnector
	retryTimer   *time.Timer
	ready        chan struct{}
	readyFired   bool
	queue        [][]byte
	subs         *subscriptionSet
}

// NewRealtimeClient creates a client for url and starts connecting
// immediately. config may be nil.
func NewRealtimeClient(url string, config *RealtimeConfig, opts ...RealtimeOption) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &RealtimeClient{
		url:    url,
		config: cfg,
		log:    zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
		subs:   newSubscriptionSet(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = cfg.dialer()
	}
	c.log = c.log.With().Str("url", url).Logger()
	c.listeners = newListenerSet(&c.log)
	c.recon = newReconnector(cfg.Reconnect, c.jitter)

	c.mu.Lock()
	c.connectLocked()
	c.mu.Unlock()
	return c
}

// URL returns the endpoint the client connects to.
func (c *RealtimeClient) URL() string {
	return c.url
}

// State returns the current connection state.
func (c *RealtimeClient) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the registered channels in subscription order.
func (c *RealtimeClient) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs.Channels(nil)
}

// OnMessage registers fn for every decoded inbound frame. Listeners run
// synchronously on the read goroutine in registration order. The returned
// function removes fn: deliveries that start after it returns skip fn, but
// one already running on the read goroutine may still complete.
func (c *RealtimeClient) OnMessage(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	return c.listeners.add(fn)
}

// Ready blocks until a connection is open and its queued frames and
// subscription replay have been written.
func (c *RealtimeClient) Ready(ctx context.Context) error {
	c.mu.Lock()
	if c.manualClosed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	ready := c.ready
	c.mu.Unlock()
	return c.wait(ctx, ready)
}

// Subscribe adds channel to the registry. When connected and the channel is
// new, a SUB is written immediately. When disconnected, the SUB is sent by
// the replay that follows the next open and Subscribe blocks until then.
func (c *RealtimeClient) Subscribe(ctx context.Context, channel string) error {
	if channel == "" {
		return nil
	}
	c.mu.Lock()
	if c.manualClosed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	added := c.subs.Add(channel)
	c.metrics.setSubscriptions(c.subs.Len())
	if c.conn != nil {
		if !added {
			c.mu.Unlock()
			return nil
		}
		err := c.writeLocked(wireFrame(WireSub, channel))
		if err == nil {
			c.log.Debug().Str("channel", channel).Msg("realtime subscribed")
			c.mu.Unlock()
			return nil
		}
		c.log.Warn().Err(err).Str("channel", channel).Msg("realtime subscribe write failed")
		c.lostLocked(err)
	}
	c.connectLocked()
	ready := c.ready
	c.mu.Unlock()
	return c.wait(ctx, ready)
}

// Unsubscribe removes channel from the registry and sends UNSUB when
// connected. It never blocks on the connection state.
func (c *RealtimeClient) Unsubscribe(channel string) {
	if channel == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manualClosed {
		return
	}
	c.subs.Remove(channel)
	c.metrics.setSubscriptions(c.subs.Len())
	if c.conn == nil {
		return
	}
	if err := c.writeLocked(wireFrame(WireUnsub, channel)); err != nil {
		c.log.Warn().Err(err).Str("channel", channel).Msg("realtime unsubscribe write failed")
		c.lostLocked(err)
	}
}

// Ping sends a PING, queueing it when disconnected. It does not wait.
func (c *RealtimeClient) Ping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manualClosed {
		return
	}
	data := wireFrame(WirePing, "")
	if c.conn != nil {
		err := c.writeLocked(data)
		if err == nil {
			return
		}
		c.lostLocked(err)
	}
	c.enqueueLocked(data)
	c.connectLocked()
}

// NotifyVisible sends an immediate PING if a connection is open. Call it
// when the host resumes from sleep or regains focus so that a half-open
// connection is detected quickly.
func (c *RealtimeClient) NotifyVisible() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.writeLocked(wireFrame(WirePing, "")); err != nil {
		c.lostLocked(err)
	}
}

// Send writes msg. []byte, string and json.RawMessage are sent as-is, any
// other value is JSON encoded. When connected the frame is written before
// Send returns. Otherwise it is queued, a connection attempt is started and
// Send blocks until the next open.
func (c *RealtimeClient) Send(ctx context.Context, msg any) error {
	data, err := encodeFrame(msg)
	if err != nil {
		return fmt.Errorf("encode realtime frame: %w", err)
	}
	c.mu.Lock()
	if c.manualClosed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.conn != nil {
		err := c.writeLocked(data)
		if err == nil {
			c.mu.Unlock()
			return nil
		}
		c.log.Warn().Err(err).Msg("realtime send failed, buffering")
		c.lostLocked(err)
	}
	c.enqueueLocked(data)
	c.connectLocked()
	ready := c.ready
	c.mu.Unlock()
	return c.wait(ctx, ready)
}

// Close permanently closes the client. Pending Ready, Send and Subscribe
// calls return ErrClientClosed. The subscription registry is cleared.
func (c *RealtimeClient) Close() error {
	c.mu.Lock()
	if c.manualClosed {
		c.mu.Unlock()
		return nil
	}
	c.manualClosed = true
	c.gen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn, connCancel := c.conn, c.connCancel
	c.conn, c.connCancel = nil, nil
	c.connecting = false
	c.subs.Clear()
	c.metrics.setSubscriptions(0)
	c.setStateLocked(StateClosed)
	close(c.closed)
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(StatusNormalClosure, "client closed")
	}
	if connCancel != nil {
		connCancel()
	}
	c.cancel()
	c.log.Info().Msg("realtime client closed")
	if err != nil {
		return fmt.Errorf("close realtime connection: %w", err)
	}
	return nil
}

func (c *RealtimeClient) wait(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-c.closed:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func (c *RealtimeClient) setStateLocked(s RealtimeState) {
	c.state = s
	c.metrics.setState(s)
}

// connectLocked starts a connection attempt unless one is open or in flight.
// A pending backoff timer is cancelled in favour of the immediate attempt.
func (c *RealtimeClient) connectLocked() {
	if c.manualClosed || c.connecting || c.conn != nil {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.connecting = true
	c.gen++
	c.setStateLocked(StateConnecting)
	if c.readyFired {
		c.ready = make(chan struct{})
		c.readyFired = false
	}
	go c.dial(c.gen)
}

func (c *RealtimeClient) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.DialTimeout)
	defer cancel()

	c.log.Debug().Msg("realtime connecting")
	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.metrics.incDialErrors()
		c.log.Warn().Err(err).Msg("realtime dial failed")
		c.handleClose(gen, err)
		return
	}
	c.handleOpen(gen, conn)
}

func (c *RealtimeClient) handleOpen(gen uint64, conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.manualClosed {
		go conn.Close(StatusNormalClosure, "stale connection")
		return
	}

	connCtx, connCancel := context.WithCancel(c.ctx)
	c.conn, c.connCtx, c.connCancel = conn, connCtx, connCancel
	c.connecting = false
	c.connID = uuid.NewString()
	c.recon.reset()
	c.setStateLocked(StateConnected)
	c.metrics.incConnects()

	log := c.log.With().Str("conn_id", c.connID).Logger()
	log.Info().Int("queued", len(c.queue)).Int("subscriptions", c.subs.Len()).Msg("realtime connected")

	go c.readLoop(connCtx, gen, conn)

	for len(c.queue) > 0 {
		if err := c.writeLocked(c.queue[0]); err != nil {
			log.Warn().Err(err).Int("queued", len(c.queue)).Msg("realtime flush failed")
			c.lostLocked(err)
			return
		}
		c.queue[0] = nil
		c.queue = c.queue[1:]
	}
	c.queue = nil
	c.metrics.setQueued(0)

	for _, ch := range c.subs.Channels(nil) {
		if err := c.writeLocked(wireFrame(WireSub, ch)); err != nil {
			log.Warn().Err(err).Str("channel", ch).Msg("realtime resubscribe failed")
			c.lostLocked(err)
			return
		}
	}

	// Waiters are released only once their frames are on the wire.
	c.readyFired = true
	close(c.ready)
	go c.heartbeatLoop(connCtx, gen)
}

// handleClose processes the end of the connection or attempt numbered gen.
func (c *RealtimeClient) handleClose(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || (c.conn == nil && !c.connecting) {
		return
	}
	c.lostLocked(err)
}

// lostLocked drops the current connection and, unless the client was closed,
// schedules the next attempt with backoff.
func (c *RealtimeClient) lostLocked(err error) {
	if conn := c.conn; conn != nil {
		go conn.Close(StatusGoingAway, "connection lost")
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.conn = nil
	c.connecting = false
	if c.readyFired {
		c.ready = make(chan struct{})
		c.readyFired = false
	}
	if c.manualClosed {
		return
	}

	attempt := c.recon.attempt
	delay := c.recon.nextDelay()
	c.setStateLocked(StateReconnecting)
	c.metrics.incReconnects()

	code, reason := closeDetails(err)
	c.log.Warn().
		Int("code", code).
		Str("reason", reason).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("realtime connection closed, reconnecting")

	gen := c.gen
	c.retryTimer = time.AfterFunc(delay, func() { c.retry(gen) })
}

func (c *RealtimeClient) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.manualClosed {
		return
	}
	c.retryTimer = nil
	c.connectLocked()
}

func (c *RealtimeClient) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.metrics.incFrames("in")
		c.listeners.emit(DecodeEvent(data))
	}
}

// writeLocked writes one frame to the open connection. Holding c.mu keeps
// write order equal to call order.
func (c *RealtimeClient) writeLocked(data []byte) error {
	ctx, cancel := context.WithTimeout(c.connCtx, c.config.WriteTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, data); err != nil {
		return err
	}
	c.metrics.incFrames("out")
	return nil
}

func (c *RealtimeClient) enqueueLocked(data []byte) {
	if limit := c.config.MaxQueueSize; limit > 0 && len(c.queue) >= limit {
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.log.Warn().Int("limit", limit).Msg("realtime queue full, dropped oldest frame")
	}
	c.queue = append(c.queue, data)
	c.metrics.setQueued(len(c.queue))
}

// ============================================================================
// Heartbeat
// ============================================================================

func (c *RealtimeClient) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.heartbeat(gen) {
				return
			}
		}
	}
}

// heartbeat writes one PING to connection gen. It reports false once that
// connection is no longer current.
func (c *RealtimeClient) heartbeat(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.conn == nil {
		return false
	}
	if err := c.writeLocked(wireFrame(WirePing, "")); err != nil {
		c.log.Warn().Err(err).Msg("realtime heartbeat failed")
		c.lostLocked(err)
		return false
	}
	return true
}
