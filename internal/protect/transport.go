package protect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 30 * time.Second
	defaultReconnectDelay = 10 * time.Second

	// authFailureWindow and authFailureThreshold drive the auth-reset
	// heuristic: cached credentials are presumed stale only after more
	// than authFailureThreshold failures landing within the window of a
	// prior successful connect. A single transient blip never
	// invalidates a good session.
	defaultAuthFailureWindow    = 30 * time.Second
	defaultAuthFailureThreshold = 2

	// wsReadLimit caps a single push message. Packets are small JSON
	// frames; anything larger is a broken stream.
	wsReadLimit = 16 * 1024 * 1024
)

// TransportState is the reconnecting channel's lifecycle state.
type TransportState string

const (
	StateIdle         TransportState = "idle"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateDisconnected TransportState = "disconnected"
)

// AuthCallback supplies the headers for a connect attempt. forceReset
// is true when the transport has inferred that cached credentials are
// stale and a fresh login is needed.
type AuthCallback func(ctx context.Context, forceReset bool) (http.Header, error)

// wsConn abstracts the WebSocket connection so the transport can be
// tested without a real server. *websocket.Conn satisfies this
// interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// TransportConfig holds the parameters for the push channel.
type TransportConfig struct {
	// URL builds the outbound WebSocket URL, parameterized with the
	// resume cursor when one is present.
	URL func(lastUpdateID string) string

	// Cursor returns the current resume cursor, usually from the
	// replica.
	Cursor func() string

	// Auth is invoked before every connect attempt.
	Auth AuthCallback

	ConnectTimeout       time.Duration
	IdleTimeout          time.Duration
	ReconnectDelay       time.Duration
	AuthFailureWindow    time.Duration
	AuthFailureThreshold int
}

func (c *TransportConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}

	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}

	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}

	if c.AuthFailureWindow <= 0 {
		c.AuthFailureWindow = defaultAuthFailureWindow
	}

	if c.AuthFailureThreshold <= 0 {
		c.AuthFailureThreshold = defaultAuthFailureThreshold
	}
}

// Transport owns the physical push channel socket: connect, reconnect
// with a fixed backoff, the idle-timeout watchdog, and synchronous
// fan-out of raw messages to subscribers. Socket-level errors are never
// surfaced to callers; the retry loop runs until Disconnect is called
// explicitly.
type Transport struct {
	cfg    TransportConfig
	logger *slog.Logger

	// dial is swapped out by tests.
	dial func(ctx context.Context, url string, headers http.Header) (wsConn, error)

	mu         sync.Mutex
	conn       wsConn
	state      TransportState
	watchdog   *time.Timer
	readCancel context.CancelFunc
	stopped    bool

	// connecting is the non-blocking single connect lock.
	connecting   atomic.Bool
	reconnecting atomic.Bool

	failMu        sync.Mutex
	lastSuccess   time.Time
	rapidFailures int

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]func(data []byte)
}

// NewTransport creates an idle transport.
func NewTransport(cfg TransportConfig, logger *slog.Logger) *Transport {
	cfg.applyDefaults()

	t := &Transport{
		cfg:    cfg,
		logger: logger,
		state:  StateIdle,
		subs:   make(map[int]func([]byte)),
	}
	t.dial = func(ctx context.Context, url string, headers http.Header) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, url, t.dialOptions(headers)) //nolint:bodyclose // websocket.Dial closes the response body internally
		if err != nil {
			return nil, err
		}

		return conn, nil
	}

	return t
}

// dialOptions wires the control-frame callbacks into the idle watchdog.
// The library answers pings internally without surfacing them through
// Read, so a healthy stream carrying only keepalives would otherwise
// look idle and get torn down every interval.
func (t *Transport) dialOptions(headers http.Header) *websocket.DialOptions {
	return &websocket.DialOptions{
		HTTPHeader: headers,
		OnPingReceived: func(context.Context, []byte) bool {
			t.touch()
			return true
		},
		OnPongReceived: func(context.Context, []byte) {
			t.touch()
		},
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Subscribe registers a callback for every inbound raw message and
// returns its unsubscribe function. Delivery is synchronous on the read
// loop; a panic in one subscriber is isolated and logged without
// affecting the others.
func (t *Transport) Subscribe(fn func(data []byte)) func() {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	id := t.nextSubID
	t.nextSubID++
	t.subs[id] = fn

	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()

		delete(t.subs, id)
	}
}

// Connect opens the push channel. A no-op returning ErrConnectInFlight
// when another connect already holds the connect lock. The auth
// callback runs before the socket is opened; a connect that has not
// succeeded within the configured bound gives up and leaves the
// transport Disconnected.
func (t *Transport) Connect(ctx context.Context) error {
	if !t.connecting.CompareAndSwap(false, true) {
		return ErrConnectInFlight
	}
	defer t.connecting.Store(false)

	t.mu.Lock()
	t.stopped = false
	t.state = StateConnecting
	t.mu.Unlock()

	headers, err := t.cfg.Auth(ctx, t.authForceReset())
	if err != nil {
		t.recordFailure()
		t.setState(StateDisconnected)

		return fmt.Errorf("auth callback: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	url := t.cfg.URL(t.cfg.Cursor())

	conn, err := t.dial(dialCtx, url, headers)
	if err != nil {
		t.recordFailure()
		t.setState(StateDisconnected)

		return fmt.Errorf("dialing push channel: %w", err)
	}

	conn.SetReadLimit(wsReadLimit)

	readCtx, readCancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.closeLocked()
	t.conn = conn
	t.state = StateConnected
	t.readCancel = readCancel
	t.watchdog = time.AfterFunc(t.cfg.IdleTimeout, t.onIdleTimeout)
	t.mu.Unlock()

	t.recordSuccess()
	t.logger.Info("push channel connected")

	go t.readLoop(readCtx, conn)

	return nil
}

// Disconnect closes the socket if open, cancels the watchdog, and halts
// any retry loop. Always safe to call multiple times.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.closeLocked()
	t.state = StateDisconnected
}

// Reconnect tears the connection down, waits the fixed backoff, and
// connects again.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.closeConn()

	timer := time.NewTimer(t.cfg.ReconnectDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	reconnects.Inc()

	return t.Connect(ctx)
}

// closeConn tears down the socket without halting retry loops.
func (t *Transport) closeConn() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeLocked()

	if t.state == StateConnected {
		t.state = StateDisconnected
	}
}

// closeLocked stops the watchdog, cancels the read loop, and closes the
// socket. Caller holds mu.
func (t *Transport) closeLocked() {
	if t.watchdog != nil {
		t.watchdog.Stop()
		t.watchdog = nil
	}

	if t.readCancel != nil {
		t.readCancel()
		t.readCancel = nil
	}

	if t.conn != nil {
		_ = t.conn.Close(websocket.StatusNormalClosure, "disconnect")
		t.conn = nil
	}
}

func (t *Transport) setState(s TransportState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stopped
}

// readLoop delivers inbound messages until the socket fails or the
// connection is deliberately torn down. A socket error is treated as a
// disconnect and hands off to the retry loop; it is never surfaced as
// an exception to callers.
func (t *Transport) readLoop(ctx context.Context, conn wsConn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			t.logger.Warn("push channel read failed", slog.String("error", err.Error()))
			t.recordFailure()
			t.setState(StateDisconnected)

			go t.retryLoop()

			return
		}

		t.touch()
		t.fanOut(data)
	}
}

// touch pushes the idle watchdog deadline forward. Called on every
// inbound data message and on every ping/pong control frame.
func (t *Transport) touch() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.watchdog != nil {
		t.watchdog.Reset(t.cfg.IdleTimeout)
	}
}

// onIdleTimeout fires when the deadline elapses with no traffic and
// triggers an unconditional reconnect.
func (t *Transport) onIdleTimeout() {
	if t.isStopped() {
		return
	}

	t.logger.Warn("push channel idle timeout, reconnecting")

	go t.retryLoop()
}

// retryLoop runs Reconnect until a connect succeeds or Disconnect is
// called. Only one loop runs at a time.
func (t *Transport) retryLoop() {
	if !t.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer t.reconnecting.Store(false)

	for {
		if t.isStopped() {
			return
		}

		err := t.Reconnect(context.Background())
		if err == nil || errors.Is(err, ErrConnectInFlight) {
			return
		}

		t.logger.Warn("reconnect failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", t.cfg.ReconnectDelay),
		)
	}
}

// fanOut delivers one raw message synchronously to every subscriber.
func (t *Transport) fanOut(data []byte) {
	t.subMu.Lock()
	subs := make([]func([]byte), 0, len(t.subs))

	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.subMu.Unlock()

	for _, fn := range subs {
		t.deliver(fn, data)
	}
}

// deliver isolates one subscriber callback so its panic cannot prevent
// delivery to the others or kill the read loop.
func (t *Transport) deliver(fn func([]byte), data []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("subscriber panicked", slog.Any("panic", r))
		}
	}()

	fn(data)
}

// recordFailure counts a failed attempt toward the auth-reset
// heuristic when it landed close to a prior successful connect.
func (t *Transport) recordFailure() {
	t.failMu.Lock()
	defer t.failMu.Unlock()

	if !t.lastSuccess.IsZero() && time.Since(t.lastSuccess) < t.cfg.AuthFailureWindow {
		t.rapidFailures++
	} else {
		t.rapidFailures = 1
	}
}

func (t *Transport) recordSuccess() {
	t.failMu.Lock()
	defer t.failMu.Unlock()

	t.lastSuccess = time.Now()
	t.rapidFailures = 0
}

// authForceReset implements the auth-reset heuristic: only repeated
// rapid failures right after a successful connect suggest stale cached
// credentials.
func (t *Transport) authForceReset() bool {
	t.failMu.Lock()
	defer t.failMu.Unlock()

	recent := !t.lastSuccess.IsZero() && time.Since(t.lastSuccess) < t.cfg.AuthFailureWindow

	return recent && t.rapidFailures > t.cfg.AuthFailureThreshold
}
