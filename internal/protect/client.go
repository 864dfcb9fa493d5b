package protect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uilibs/uiprotect-go/internal/protocol"
	"github.com/uilibs/uiprotect-go/internal/state"
)

const (
	// defaultBootstrapRefresh is how often the full-state document is
	// refetched while subscribed, catching anything the push stream
	// missed.
	defaultBootstrapRefresh = 15 * time.Minute

	// defaultCursorFlushInterval debounces resume-cursor persistence. A
	// busy controller pushes many packets per second; writing bbolt once
	// per packet would fsync for each.
	defaultCursorFlushInterval = 5 * time.Second
)

// ClientConfig holds everything needed to mirror one controller.
type ClientConfig struct {
	API APIConfig

	// SubscribeModels restricts which model types reach subscribers.
	// Empty means all. The resume cursor still advances for filtered
	// packets.
	SubscribeModels []ModelType

	// IgnoreStats strips the high-churn telemetry keys from update
	// payloads.
	IgnoreStats bool

	// IncludeUnadopted mirrors devices owned by other controllers.
	IncludeUnadopted bool

	// PolicyOverridesPath optionally extends the per-model ignore sets
	// from a YAML file.
	PolicyOverridesPath string

	BootstrapRefresh time.Duration

	// State optionally persists the session and resume cursor across
	// restarts.
	State *state.Store

	// CursorFlushInterval bounds how often the resume cursor is written
	// to the state store. The newest cursor is always flushed on
	// shutdown.
	CursorFlushInterval time.Duration

	Transport TransportConfig
}

// Client is the assembled mirror: REST API, push transport, replica,
// reconciler, and write-back coalescer wired together. The push channel
// opens when the first subscriber registers and closes when the last
// one leaves.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	api        *APIClient
	replica    *Replica
	policy     *Policy
	reconciler *Reconciler
	coalescer  *Coalescer
	transport  *Transport

	filter map[ModelType]bool

	subMu       sync.Mutex
	nextSubID   int
	subs        map[int]func(*SubscriptionMessage)
	running     bool
	refreshStop chan struct{}

	cursorMu      sync.Mutex
	pendingCursor string
	cursorFlush   *time.Timer
}

// NewClient assembles a client for one controller. No network traffic
// happens until Bootstrap or the first Subscribe.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.API.Host == "" {
		return nil, fmt.Errorf("controller host is required")
	}

	if cfg.BootstrapRefresh <= 0 {
		cfg.BootstrapRefresh = defaultBootstrapRefresh
	}

	if cfg.CursorFlushInterval <= 0 {
		cfg.CursorFlushInterval = defaultCursorFlushInterval
	}

	if cfg.State != nil && cfg.API.Sessions == nil {
		cfg.API.Sessions = cfg.State
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		api:     NewAPIClient(cfg.API, nil, logger),
		replica: NewReplica(cfg.IncludeUnadopted),
		policy:  &Policy{IgnoreStats: cfg.IgnoreStats},
		subs:    make(map[int]func(*SubscriptionMessage)),
	}

	if cfg.PolicyOverridesPath != "" {
		if err := c.policy.LoadPolicyOverrides(cfg.PolicyOverridesPath); err != nil {
			return nil, err
		}
	}

	if len(cfg.SubscribeModels) > 0 {
		c.filter = make(map[ModelType]bool, len(cfg.SubscribeModels))
		for _, m := range cfg.SubscribeModels {
			c.filter[m] = true
		}
	}

	c.reconciler = NewReconciler(c.replica, c.policy, c.api, logger)
	c.coalescer = NewCoalescer(c.replica, c.api, CoalescerConfig{}, logger)

	// Synthesized packets (ping-back expiries, write-back echoes) enter
	// through the same dispatch path as real pushes, so subscribers
	// cannot tell them apart from server traffic.
	c.reconciler.SetSyntheticSink(c.dispatchSynthetic)
	c.coalescer.SetSyntheticSink(c.dispatchSynthetic)

	tcfg := cfg.Transport
	tcfg.URL = c.api.WebsocketURL
	tcfg.Cursor = c.cursor
	tcfg.Auth = c.api.AuthHeaders
	c.transport = NewTransport(tcfg, logger)
	c.transport.Subscribe(c.handleRaw)

	return c, nil
}

// Replica exposes the mirrored object graph for reads.
func (c *Client) Replica() *Replica { return c.replica }

// Transport exposes the push channel for state inspection.
func (c *Client) Transport() *Transport { return c.transport }

// EnableStats attaches a bounded reconciliation diagnostics capture.
func (c *Client) EnableStats(capacity int) *StatCapture {
	return c.reconciler.EnableStats(capacity)
}

// cursor is the transport's resume cursor source: the live replica
// first, the persisted cursor from a previous run as fallback.
func (c *Client) cursor() string {
	if id := c.replica.LastUpdateID(); id != "" {
		return id
	}

	if c.cfg.State != nil {
		if cursor, err := c.cfg.State.GetCursor(c.cfg.API.Host); err == nil {
			return cursor
		}
	}

	return ""
}

// Bootstrap fetches the full-state document and replaces the mirrored
// graph wholesale.
func (c *Client) Bootstrap(ctx context.Context) error {
	b, err := c.api.Bootstrap(ctx)
	if err != nil {
		return err
	}

	if err := c.replica.LoadBootstrap(b); err != nil {
		return err
	}

	c.persistCursor(b.LastUpdateID)
	c.logger.Info("bootstrap loaded",
		slog.Int("cameras", len(b.Cameras)),
		slog.Int("sensors", len(b.Sensors)),
		slog.Int("users", len(b.Users)),
		slog.String("last_update_id", b.LastUpdateID),
	)

	return nil
}

// persistCursor records the newest resume cursor and arms the debounced
// flush timer. The store sees at most one write per flush interval, and
// flushCursor runs on shutdown so the newest cursor is never lost.
func (c *Client) persistCursor(id string) {
	if c.cfg.State == nil || id == "" {
		return
	}

	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()

	c.pendingCursor = id

	if c.cursorFlush == nil {
		c.cursorFlush = time.AfterFunc(c.cfg.CursorFlushInterval, c.flushCursor)
	}
}

// flushCursor writes the pending resume cursor to the state store.
func (c *Client) flushCursor() {
	if c.cfg.State == nil {
		return
	}

	c.cursorMu.Lock()
	id := c.pendingCursor
	c.pendingCursor = ""

	if c.cursorFlush != nil {
		c.cursorFlush.Stop()
		c.cursorFlush = nil
	}
	c.cursorMu.Unlock()

	if id == "" {
		return
	}

	if err := c.cfg.State.SetCursor(c.cfg.API.Host, id); err != nil {
		c.logger.Warn("failed to persist resume cursor", slog.String("error", err.Error()))
	}
}

// Subscribe registers a callback for every reconciled change and
// returns its unsubscribe function. The first subscriber bootstraps the
// replica (if not yet loaded) and opens the push channel; the last
// unsubscribe closes it again.
func (c *Client) Subscribe(ctx context.Context, fn func(*SubscriptionMessage)) (func(), error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if !c.running {
		if c.replica.GetNVR() == nil {
			if err := c.Bootstrap(ctx); err != nil {
				return nil, fmt.Errorf("bootstrapping before subscribe: %w", err)
			}
		}

		if err := c.transport.Connect(ctx); err != nil {
			return nil, fmt.Errorf("opening push channel: %w", err)
		}

		c.running = true
		c.refreshStop = make(chan struct{})

		go c.refreshLoop(c.refreshStop)
	}

	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn

	return func() { c.unsubscribe(id) }, nil
}

func (c *Client) unsubscribe(id int) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	delete(c.subs, id)

	if len(c.subs) == 0 && c.running {
		c.stopChannelLocked()
	}
}

// stopChannelLocked closes the push channel and halts the refresh loop.
// Caller holds subMu.
func (c *Client) stopChannelLocked() {
	c.transport.Disconnect()
	close(c.refreshStop)
	c.running = false
	c.flushCursor()

	c.logger.Info("push channel closed, no subscribers remain")
}

// refreshLoop refetches the full-state document on an interval while
// subscribed. A failed refresh is logged and retried next tick; the
// push stream keeps the replica current in between.
func (c *Client) refreshLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.BootstrapRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BootstrapRefresh/2)
			err := c.Bootstrap(ctx)
			cancel()

			if err != nil {
				c.logger.Warn("periodic bootstrap refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handleRaw is the transport subscriber: every inbound WebSocket
// message is wrapped as a packet and dispatched.
func (c *Client) handleRaw(data []byte) {
	c.dispatch(protocol.NewPacket(data), false)
}

// dispatchSynthetic is the sink for locally synthesized packets.
func (c *Client) dispatchSynthetic(pkt *protocol.Packet, pingBack bool) {
	c.dispatch(pkt, pingBack)
}

// dispatch reconciles one packet and fans the resulting message out to
// subscribers. Messages are delivered synchronously in arrival order.
func (c *Client) dispatch(pkt *protocol.Packet, pingBack bool) {
	msg := c.reconciler.processPacket(pkt, c.filter, pingBack)
	if msg == nil {
		return
	}

	if msg.Action == protocol.ActionRemove {
		// The per-entity write state lives exactly as long as the entity.
		c.coalescer.Forget(msg.ID)
	}

	c.persistCursor(msg.NewUpdateID)

	c.subMu.Lock()
	subs := make([]func(*SubscriptionMessage), 0, len(c.subs))

	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		c.deliverMessage(fn, msg)
	}
}

// deliverMessage isolates one subscriber callback so its panic cannot
// block delivery to the others.
func (c *Client) deliverMessage(fn func(*SubscriptionMessage), msg *SubscriptionMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscriber panicked", slog.Any("panic", r))
		}
	}()

	fn(msg)
}

// QueueUpdate batches a field mutation into the write-back coalescer;
// see Coalescer.QueueUpdate.
func (c *Client) QueueUpdate(ctx context.Context, model ModelType, id string, mutator func(Entity)) error {
	return c.coalescer.QueueUpdate(ctx, model, id, mutator)
}

// SaveDevice writes back a device mutated on a private copy; see
// Coalescer.SaveDevice.
func (c *Client) SaveDevice(ctx context.Context, device Entity) error {
	return c.coalescer.SaveDevice(ctx, device)
}

// FetchDevice refreshes one entity from the REST API without touching
// the replica.
func (c *Client) FetchDevice(ctx context.Context, model ModelType, id string) ([]byte, error) {
	return c.api.FetchDevice(ctx, model, id)
}

// Stop tears the client down: push channel, refresh loop, and pending
// transient-condition timers. Safe to call more than once, including
// after a later Subscribe restarted the push channel.
func (c *Client) Stop() {
	c.subMu.Lock()
	if c.running {
		c.stopChannelLocked()
	}

	c.subs = make(map[int]func(*SubscriptionMessage))
	c.subMu.Unlock()

	c.reconciler.Stop()
	c.flushCursor()
	c.logger.Info("client stopped")
}
