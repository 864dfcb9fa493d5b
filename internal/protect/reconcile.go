package protect

import (
	"context"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/uilibs/uiprotect-go/internal/protocol"
)

const (
	// selfHealTimeout bounds a single corruption-recovery refetch.
	selfHealTimeout = 30 * time.Second

	// selfHealRatePerMinute caps how many refetches the self-heal path
	// may issue, so a persistently corrupt stream cannot hammer the
	// REST layer.
	selfHealRatePerMinute = 30
)

// SubscriptionMessage is the output of reconciling one packet: what
// changed, fanned out to every subscriber, then discarded.
type SubscriptionMessage struct {
	Action        string
	NewUpdateID   string
	Model         ModelType
	ID            string
	ChangedFields []string
	New           Entity
	Old           Entity

	// PingBack marks a synthesized zero-field update emitted when a
	// transient condition's validity window elapsed.
	PingBack bool
}

// EntityFetcher is the single-entity refresh REST call consumed by the
// corruption self-heal path.
type EntityFetcher interface {
	FetchDevice(ctx context.Context, model ModelType, id string) ([]byte, error)
}

// Reconciler applies decoded push packets to a replica: cursor advance,
// ignore-key stripping, typed overlay merge, event correlation, and
// corruption self-healing.
type Reconciler struct {
	replica *Replica
	policy  *Policy
	fetcher EntityFetcher
	logger  *slog.Logger

	// stats is the optional diagnostics capture; nil when disabled.
	stats *StatCapture

	healGroup singleflight.Group
	healLimit *rate.Limiter

	timers *timerSet

	// synthetic re-injects locally built packets (ping-back expiries,
	// write-back echoes) into the same dispatch path as real traffic.
	// Set by the facade.
	synthetic func(pkt *protocol.Packet, pingBack bool)

	ringExpiry  time.Duration
	alarmExpiry time.Duration
}

// NewReconciler wires a reconciler to its replica and collaborators.
// fetcher may be nil, which disables the self-heal path (corrupt
// entities are then only logged).
func NewReconciler(replica *Replica, policy *Policy, fetcher EntityFetcher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		replica:     replica,
		policy:      policy,
		fetcher:     fetcher,
		logger:      logger,
		healLimit:   rate.NewLimiter(rate.Limit(selfHealRatePerMinute)/60, selfHealRatePerMinute),
		timers:      newTimerSet(),
		ringExpiry:  defaultRingExpiry,
		alarmExpiry: defaultAlarmExpiry,
	}
}

// EnableStats attaches a bounded diagnostics capture recording every
// reconciliation decision, including filtered-out packets.
func (rc *Reconciler) EnableStats(capacity int) *StatCapture {
	rc.stats = NewStatCapture(capacity)
	return rc.stats
}

// SetSyntheticSink registers the dispatch function locally synthesized
// packets are routed through. The facade points this at its own inbound
// message path so subscribers cannot tell a synthesized update from a
// real server push.
func (rc *Reconciler) SetSyntheticSink(sink func(pkt *protocol.Packet, pingBack bool)) {
	rc.synthetic = sink
}

// Stop cancels every outstanding transient-condition timer.
func (rc *Reconciler) Stop() {
	rc.timers.stopAll()
}

// ProcessPacket reconciles one push packet against the replica and
// returns the resulting subscription message, or nil when the packet
// carries nothing semantically new (unknown model, filtered out, empty
// after key stripping, unknown id). Errors never escape: malformed or
// invalid payloads are logged, dropped, and where possible self-healed.
func (rc *Reconciler) ProcessPacket(pkt *protocol.Packet, filter map[ModelType]bool) *SubscriptionMessage {
	return rc.processPacket(pkt, filter, false)
}

func (rc *Reconciler) processPacket(pkt *protocol.Packet, filter map[ModelType]bool, pingBack bool) *SubscriptionMessage {
	action, err := pkt.Action()
	if err != nil {
		packetErrors.Inc()
		rc.logger.Debug("dropping malformed packet", slog.String("error", err.Error()))

		return nil
	}

	model := ModelType(action.ModelKey)
	if !knownModels[model] {
		rc.logger.Debug("unrecognized model type", slog.String("model_key", action.ModelKey))
		rc.record(pkt, action, nil, true)

		return nil
	}

	rc.replica.mu.Lock()
	defer rc.replica.mu.Unlock()

	// The cursor always advances, even when the payload is filtered out
	// below, so a reconnect never replays what we already saw.
	if action.NewUpdateID != "" {
		rc.replica.lastUpdateID = action.NewUpdateID
	}

	if len(filter) > 0 && !filter[model] {
		rc.record(pkt, action, nil, true)
		return nil
	}

	var msg *SubscriptionMessage

	switch action.Action {
	case protocol.ActionRemove:
		msg = rc.applyRemove(model, action)
	case protocol.ActionAdd:
		msg = rc.applyAdd(model, action, pkt)
	case protocol.ActionUpdate:
		msg = rc.applyUpdate(model, action, pkt, pingBack)
	default:
		rc.logger.Debug("unrecognized action verb", slog.String("action", action.Action))
	}

	rc.record(pkt, action, msg, msg == nil)

	if msg != nil {
		packetsApplied.WithLabelValues(string(model), action.Action).Inc()
	}

	return msg
}

func (rc *Reconciler) applyRemove(model ModelType, action protocol.Action) *SubscriptionMessage {
	old, ok := rc.replica.remove(model, action.ID)
	if !ok {
		return nil
	}

	// An entity gone from the replica must not fire ping-backs later.
	rc.timers.stopEntity(action.ID)

	return &SubscriptionMessage{
		Action:      protocol.ActionRemove,
		NewUpdateID: action.NewUpdateID,
		Model:       model,
		ID:          action.ID,
		Old:         old,
	}
}

func (rc *Reconciler) applyAdd(model ModelType, action protocol.Action, pkt *protocol.Packet) *SubscriptionMessage {
	frame, err := pkt.DataFrame()
	if err != nil {
		rc.logger.Debug("dropping packet with bad data frame", slog.String("error", err.Error()))
		return nil
	}

	entity, err := newEntity(model, frame.Payload)
	if err != nil {
		rc.handleCorrupt(model, action.ID, err)
		return nil
	}

	if ev, ok := entity.(*Event); ok {
		// Events always enter the bounded ring, adopted or not.
		rc.replica.put(ev)
		rc.correlateEvent(ev)
	} else if d, ok := entity.(adoptable); ok {
		if !d.Adopted() && !rc.replica.includeUnadopted {
			return nil
		}

		rc.replica.put(entity)
	} else {
		rc.replica.put(entity)
	}

	return &SubscriptionMessage{
		Action:      protocol.ActionAdd,
		NewUpdateID: action.NewUpdateID,
		Model:       model,
		ID:          entity.EntityID(),
		New:         entity,
	}
}

func (rc *Reconciler) applyUpdate(model ModelType, action protocol.Action, pkt *protocol.Packet, pingBack bool) *SubscriptionMessage {
	existing, ok := rc.replica.get(model, action.ID)
	if !ok {
		// Events routinely age out of the ring while an update for them
		// is in flight; that is expected, not an anomaly. Unknown ids
		// for every other model type are preserved as a silent drop.
		if model != ModelEvent {
			rc.logger.Debug("update for unknown entity",
				slog.String("model", string(model)),
				slog.String("id", action.ID),
			)
		}

		return nil
	}

	data, err := pkt.DataObject()
	if err != nil {
		rc.logger.Debug("dropping packet with bad data frame", slog.String("error", err.Error()))
		return nil
	}

	changed := make(map[string]rawJSON, len(data))

	for k, v := range data {
		if !rc.policy.IsIgnored(model, k) {
			changed[k] = v
		}
	}

	if len(changed) == 0 && !pingBack {
		return nil
	}

	old := existing.Clone()
	updated := existing.Clone()

	if len(changed) > 0 {
		payload, err := json.Marshal(changed)
		if err != nil {
			rc.logger.Warn("re-marshalling update payload", slog.String("error", err.Error()))
			return nil
		}

		if err := strictDecode(payload, updated); err != nil {
			rc.handleCorrupt(model, action.ID, err)
			return nil
		}

		rc.replica.put(updated)
	}

	changedFields := make([]string, 0, len(changed))
	for k := range changed {
		changedFields = append(changedFields, k)
	}

	msg := &SubscriptionMessage{
		Action:        protocol.ActionUpdate,
		NewUpdateID:   action.NewUpdateID,
		Model:         model,
		ID:            action.ID,
		ChangedFields: changedFields,
		Old:           old,
		New:           updated,
		PingBack:      pingBack,
	}

	switch v := updated.(type) {
	case *Event:
		rc.correlateEvent(v)
	case *Sensor:
		// A fresh alarm trigger is a transient condition: arm an expiry
		// timer that pings the sensor back once the window elapses.
		if _, ok := changed["alarmTriggeredAt"]; ok && v.AlarmTriggeredAt != nil {
			rc.armPingBack(ModelSensor, v.ID, "alarm", rc.alarmExpiry)
		}
	}

	return msg
}

// handleCorrupt isolates a validation failure: the existing entity is
// left untouched and a wholesale refetch is scheduled.
func (rc *Reconciler) handleCorrupt(model ModelType, id string, err error) {
	rc.logger.Warn("entity payload failed validation, scheduling refetch",
		slog.String("model", string(model)),
		slog.String("id", id),
		slog.String("error", err.Error()),
	)
	selfHeals.Inc()
	rc.scheduleSelfHeal(model, id)
}

// scheduleSelfHeal asynchronously refetches one entity from the REST
// layer and replaces it wholesale. Fire-and-forget: fetch failures are
// logged and dropped since the next push update retries naturally.
// Concurrent heals for the same entity are collapsed, and the overall
// rate is capped.
func (rc *Reconciler) scheduleSelfHeal(model ModelType, id string) {
	if rc.fetcher == nil {
		return
	}

	go func() {
		key := string(model) + "/" + id

		_, _, _ = rc.healGroup.Do(key, func() (any, error) {
			if !rc.healLimit.Allow() {
				rc.logger.Warn("self-heal refetch suppressed by rate limit",
					slog.String("model", string(model)),
					slog.String("id", id),
				)

				return nil, nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), selfHealTimeout)
			defer cancel()

			data, err := rc.fetcher.FetchDevice(ctx, model, id)
			if err != nil {
				rc.logger.Warn("self-heal refetch failed",
					slog.String("model", string(model)),
					slog.String("id", id),
					slog.String("error", err.Error()),
				)

				return nil, nil //nolint:nilerr // intentional: next push update retries naturally
			}

			fresh, err := newEntity(model, data)
			if err != nil {
				rc.logger.Warn("self-heal refetch returned invalid entity",
					slog.String("model", string(model)),
					slog.String("id", id),
					slog.String("error", err.Error()),
				)

				return nil, nil //nolint:nilerr // same: drop and wait for the stream
			}

			rc.replica.mu.Lock()
			rc.replica.put(fresh)
			rc.replica.mu.Unlock()

			rc.logger.Info("entity replaced after self-heal refetch",
				slog.String("model", string(model)),
				slog.String("id", id),
			)

			return nil, nil
		})
	}()
}

func (rc *Reconciler) record(pkt *protocol.Packet, action protocol.Action, msg *SubscriptionMessage, filtered bool) {
	if rc.stats == nil {
		return
	}

	rec := StatRecord{
		Model:      action.ModelKey,
		Action:     action.Action,
		ID:         action.ID,
		PacketSize: pkt.Size(),
		Filtered:   filtered,
	}

	if data, err := pkt.DataObject(); err == nil {
		rec.KeysPresent = make([]string, 0, len(data))
		for k := range data {
			rec.KeysPresent = append(rec.KeysPresent, k)
		}
	}

	if msg != nil {
		rec.KeysApplied = msg.ChangedFields
	}

	rc.stats.Record(rec)
}

// newEntity constructs a typed entity from a full JSON document,
// rejecting unknown keys.
func newEntity(model ModelType, data []byte) (Entity, error) {
	var e Entity

	switch model {
	case ModelCamera:
		e = &Camera{}
	case ModelLight:
		e = &Light{}
	case ModelSensor:
		e = &Sensor{}
	case ModelDoorlock:
		e = &Doorlock{}
	case ModelChime:
		e = &Chime{}
	case ModelBridge:
		e = &Bridge{}
	case ModelViewer:
		e = &Viewer{}
	case ModelLiveview:
		e = &Liveview{}
	case ModelUser:
		e = &User{}
	case ModelGroup:
		e = &Group{}
	case ModelNVR:
		e = &NVR{}
	case ModelEvent:
		e = &Event{}
	default:
		return nil, &ValidationError{Err: errUnknownModel(model)}
	}

	if err := strictDecode(data, e); err != nil {
		return nil, err
	}

	return e, nil
}

type errUnknownModel ModelType

func (e errUnknownModel) Error() string { return "unknown model type " + string(e) }
