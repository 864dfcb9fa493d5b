package protect

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/uilibs/uiprotect-go/internal/protocol"
)

// defaultBatchWindow is how long a queued update waits for concurrent
// updates to the same entity before draining the batch. Several setter
// calls issued back-to-back collapse into a single PATCH instead of
// racing each other.
const defaultBatchWindow = 50 * time.Millisecond

// DevicePatcher is the outbound PATCH call consumed by the coalescer.
type DevicePatcher interface {
	PatchDevice(ctx context.Context, model ModelType, id string, body []byte) error
}

// CoalescerConfig tunes the write-back path.
type CoalescerConfig struct {
	BatchWindow time.Duration

	// KeepOnError leaves the local mutation in place when the PATCH
	// fails, instead of reverting to the pre-mutation snapshot.
	KeepOnError bool
}

// updateSync is the per-entity write state: the mutual-exclusion lock,
// the pending-mutator queue, and the has-pending signal. Created lazily
// on first local mutation and dropped when the entity is removed.
type updateSync struct {
	// mu serializes writes to one entity. Writes to different entities
	// proceed independently.
	mu sync.Mutex

	queueMu sync.Mutex
	queue   []func(Entity)
	pending chan struct{}
}

// Coalescer batches local field mutations into single PATCH requests
// and reconciles them against the replica.
type Coalescer struct {
	replica *Replica
	patcher DevicePatcher
	logger  *slog.Logger
	cfg     CoalescerConfig

	statesMu sync.Mutex
	states   map[string]*updateSync

	// synthetic re-injects local echo packets for fields the controller
	// never pushes back. Set by the facade.
	synthetic func(pkt *protocol.Packet, pingBack bool)
}

// NewCoalescer wires a coalescer to its replica and PATCH consumer.
func NewCoalescer(replica *Replica, patcher DevicePatcher, cfg CoalescerConfig, logger *slog.Logger) *Coalescer {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaultBatchWindow
	}

	return &Coalescer{
		replica: replica,
		patcher: patcher,
		logger:  logger,
		cfg:     cfg,
		states:  make(map[string]*updateSync),
	}
}

// SetSyntheticSink registers the dispatch function for local echo
// packets; see Reconciler.SetSyntheticSink.
func (c *Coalescer) SetSyntheticSink(sink func(pkt *protocol.Packet, pingBack bool)) {
	c.synthetic = sink
}

// state returns the entity's update-sync state, creating it lazily.
func (c *Coalescer) state(id string) *updateSync {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()

	us, ok := c.states[id]
	if !ok {
		us = &updateSync{pending: make(chan struct{}, 1)}
		c.states[id] = us
	}

	return us
}

// Forget drops the per-entity write state. Called when the entity is
// removed from the replica; the state lives exactly as long as the
// entity does.
func (c *Coalescer) Forget(id string) {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()

	delete(c.states, id)
}

// HasPending reports whether queued mutators await a batch drain.
func (c *Coalescer) HasPending(id string) bool {
	c.statesMu.Lock()
	us, ok := c.states[id]
	c.statesMu.Unlock()

	if !ok {
		return false
	}

	us.queueMu.Lock()
	defer us.queueMu.Unlock()

	return len(us.queue) > 0
}

// QueueUpdate enqueues a field mutator and waits out the batching
// window. The caller that wins the entity lock afterwards drains and
// applies every queued mutator in FIFO order, diffs against a
// pre-mutation snapshot, and issues exactly one PATCH for the whole
// batch. Callers whose mutator was drained by another batch return nil.
func (c *Coalescer) QueueUpdate(ctx context.Context, model ModelType, id string, mutator func(Entity)) error {
	us := c.state(id)

	us.queueMu.Lock()
	us.queue = append(us.queue, mutator)
	us.queueMu.Unlock()

	// Signal "pending" so concurrent callers know a batch is building.
	select {
	case us.pending <- struct{}{}:
	default:
	}

	timer := time.NewTimer(c.cfg.BatchWindow)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	us.queueMu.Lock()
	queue := us.queue
	us.queue = nil

	select {
	case <-us.pending:
	default:
	}
	us.queueMu.Unlock()

	// Another caller drained our mutator along with its own batch.
	if len(queue) == 0 {
		return nil
	}

	// Mutators run on a clone under the replica lock, so a concurrent
	// push-driven reconciliation of the same entity serializes against
	// the local write instead of racing it.
	updated, snapshot, ok := c.replica.Mutate(model, id, func(e Entity) {
		for _, m := range queue {
			m(e)
		}
	})
	if !ok {
		return fmt.Errorf("%s %q is no longer in the replica", model, id)
	}

	return c.saveLocked(ctx, model, id, updated, snapshot)
}

// SaveDevice writes back a device the caller has mutated on a private
// copy, diffing it against the current replica state and installing it
// locally before the PATCH goes out. Obtain the copy from
// Replica.CloneEntity (or Clone on a read result) and mutate that; live
// replica entities must never be written in place. The entity lock is
// acquired here; paths that already hold it (QueueUpdate's batch drain)
// call saveLocked directly instead, which is what makes the lock
// protocol reentrant-safe.
func (c *Coalescer) SaveDevice(ctx context.Context, device Entity) error {
	model, id := device.Model(), device.EntityID()

	us := c.state(id)
	us.mu.Lock()
	defer us.mu.Unlock()

	snapshot, ok := c.replica.CloneEntity(model, id)
	if !ok {
		return fmt.Errorf("%s %q is no longer in the replica", model, id)
	}

	c.replica.Put(device.Clone())

	return c.saveLocked(ctx, model, id, device, snapshot)
}

// saveLocked is the single write routine both paths converge on.
// Caller holds the entity's update-sync lock.
func (c *Coalescer) saveLocked(ctx context.Context, model ModelType, id string, entity, snapshot Entity) error {
	if user, ok := c.replica.AuthUser(); ok && !user.CanWrite(model) {
		c.revert(snapshot)
		return ErrNotAuthorized
	}

	before, err := marshalFields(snapshot)
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}

	after, err := marshalFields(entity)
	if err != nil {
		return fmt.Errorf("marshalling entity: %w", err)
	}

	diff := diffFields(before, after)

	var readOnly []string

	for k := range diff {
		if set, ok := readOnlyFields[model]; ok && set.has(k) {
			readOnly = append(readOnly, k)
		}
	}

	if len(readOnly) > 0 {
		sort.Strings(readOnly)
		c.revert(snapshot)

		return &ReadOnlyFieldError{Model: model, Fields: readOnly}
	}

	if len(diff) == 0 {
		return nil
	}

	body, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("marshalling patch body: %w", err)
	}

	if err := c.patcher.PatchDevice(ctx, model, id, body); err != nil {
		if !c.cfg.KeepOnError {
			c.revert(snapshot)
		}

		return fmt.Errorf("patching %s %q: %w", model, id, err)
	}

	patchesSent.WithLabelValues(string(model)).Inc()
	c.logger.Debug("patched device",
		slog.String("model", string(model)),
		slog.String("id", id),
		slog.Int("fields", len(diff)),
	)

	c.echoUnpushedFields(model, id, diff)

	return nil
}

// revert restores the pre-mutation snapshot in the replica.
func (c *Coalescer) revert(snapshot Entity) {
	c.replica.Put(snapshot.Clone())
}

// echoUnpushedFields synthesizes a local push-equivalent update for
// changed fields the controller is known not to echo back over the
// push channel, so subscribers still observe them.
func (c *Coalescer) echoUnpushedFields(model ModelType, id string, diff map[string]rawJSON) {
	echoSet, ok := localEchoFields[model]
	if !ok || c.synthetic == nil {
		return
	}

	echo := make(map[string]rawJSON)

	for k, v := range diff {
		if echoSet.has(k) {
			echo[k] = v
		}
	}

	if len(echo) == 0 {
		return
	}

	pkt, err := protocol.EncodeActionPacket(protocol.Action{
		Action:   protocol.ActionUpdate,
		ModelKey: string(model),
		ID:       id,
	}, echo, false)
	if err != nil {
		c.logger.Warn("building local echo packet", slog.String("error", err.Error()))
		return
	}

	c.synthetic(pkt, false)
}
