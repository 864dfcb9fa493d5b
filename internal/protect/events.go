package protect

import (
	"log/slog"
	"sync"
	"time"

	"github.com/uilibs/uiprotect-go/internal/protocol"
)

const (
	// defaultRingExpiry is the validity window of a doorbell ring. Once
	// it elapses, a ping-back update lets subscribers observe that the
	// ring condition ended.
	defaultRingExpiry = 3 * time.Second

	// defaultAlarmExpiry is the validity window of a sensor alarm
	// trigger.
	defaultAlarmExpiry = 5 * time.Second
)

// correlateEvent updates per-device "last event of kind" pointers from
// an incoming event so business code answers "is X happening" in O(1)
// without scanning the event ring. Caller holds the replica lock.
//
// A pointer is replaced only when it is empty, its event has already
// ended, or its start time is at or before the new event's start. The
// tie-break keeps a stale or out-of-order event from clobbering a newer
// one.
func (rc *Reconciler) correlateEvent(ev *Event) {
	switch ev.Type {
	case EventTypeMotion:
		if cam, ok := rc.replica.cameras[ev.Camera]; ok {
			if rc.shouldReplace(cam.LastMotionEventID, cam.LastMotion, ev) {
				cam.LastMotionEventID = ev.ID
				cam.LastMotion = cloneInt64(ev.Start)
			}
		}

		if light, ok := rc.replica.lights[ev.Light]; ok {
			if rc.shouldReplace(light.LastMotionEventID, light.LastMotion, ev) {
				light.LastMotionEventID = ev.ID
				light.LastMotion = cloneInt64(ev.Start)
			}
		}

	case EventTypeRing:
		cam, ok := rc.replica.cameras[ev.Camera]
		if !ok {
			return
		}

		if rc.shouldReplace(cam.LastRingEventID, cam.LastRing, ev) {
			cam.LastRingEventID = ev.ID
			cam.LastRing = cloneInt64(ev.Start)
			rc.armPingBack(ModelCamera, cam.ID, "ring", rc.ringExpiry)
		}

	case EventTypeSmartDetect:
		cam, ok := rc.replica.cameras[ev.Camera]
		if !ok {
			return
		}

		if rc.shouldReplace(cam.LastSmartDetectEventID, cam.LastSmartDetect, ev) {
			cam.LastSmartDetectEventID = ev.ID
			cam.LastSmartDetect = cloneInt64(ev.Start)
		}

		// A multi-object detection fans out to one pointer per detected
		// type.
		for _, dt := range ev.SmartDetectTypes {
			if cam.LastSmartDetectEventIDs == nil {
				cam.LastSmartDetectEventIDs = make(map[string]string)
				cam.LastSmartDetects = make(map[string]int64)
			}

			prevID := cam.LastSmartDetectEventIDs[dt]

			var prevStart *int64
			if s, ok := cam.LastSmartDetects[dt]; ok {
				prevStart = &s
			}

			if rc.shouldReplace(prevID, prevStart, ev) {
				cam.LastSmartDetectEventIDs[dt] = ev.ID
				cam.LastSmartDetects[dt] = ev.StartTime()
			}
		}

	case EventTypeLightMotion:
		if light, ok := rc.replica.lights[ev.Light]; ok {
			if rc.shouldReplace(light.LastMotionEventID, light.LastMotion, ev) {
				light.LastMotionEventID = ev.ID
				light.LastMotion = cloneInt64(ev.Start)
			}
		}

	case EventTypeSensorMotion:
		if sensor, ok := rc.replica.sensors[ev.Sensor]; ok {
			if rc.shouldReplace(sensor.LastMotionEventID, sensor.MotionDetectedAt, ev) {
				sensor.LastMotionEventID = ev.ID
				sensor.MotionDetectedAt = cloneInt64(ev.Start)
			}
		}

	case EventTypeSensorOpened, EventTypeSensorClosed:
		if sensor, ok := rc.replica.sensors[ev.Sensor]; ok {
			if rc.shouldReplace(sensor.LastContactEventID, sensor.OpenStatusChangedAt, ev) {
				sensor.LastContactEventID = ev.ID
				sensor.OpenStatusChangedAt = cloneInt64(ev.Start)
			}
		}

	case EventTypeSensorAlarm:
		sensor, ok := rc.replica.sensors[ev.Sensor]
		if !ok {
			return
		}

		if rc.shouldReplace(sensor.LastAlarmEventID, sensor.AlarmTriggeredAt, ev) {
			sensor.LastAlarmEventID = ev.ID
			sensor.AlarmTriggeredAt = cloneInt64(ev.Start)
			rc.armPingBack(ModelSensor, sensor.ID, "alarm", rc.alarmExpiry)
		}
	}

	eventsCorrelated.WithLabelValues(ev.Type).Inc()
}

// shouldReplace implements the correlation tie-break. Caller holds the
// replica lock.
func (rc *Reconciler) shouldReplace(existingID string, existingStart *int64, ev *Event) bool {
	if existingID == "" {
		return true
	}

	if prev, ok := rc.replica.events.get(existingID); ok && prev.Ended() {
		return true
	}

	if existingStart == nil {
		return true
	}

	return *existingStart <= ev.StartTime()
}

// armPingBack schedules a synthesized zero-field update for the entity
// after the transient condition's validity window. Re-arming replaces
// any pending timer for the same (entity, kind).
func (rc *Reconciler) armPingBack(model ModelType, id, kind string, after time.Duration) {
	rc.timers.arm(id+"/"+kind, after, func() {
		rc.injectPingBack(model, id)
	})
}

// injectPingBack routes a zero-field update through the same
// reconciliation path as real push traffic, so subscribers observe the
// expiry through the identical code path as a server push.
func (rc *Reconciler) injectPingBack(model ModelType, id string) {
	pkt, err := protocol.EncodeActionPacket(protocol.Action{
		Action:   protocol.ActionUpdate,
		ModelKey: string(model),
		ID:       id,
	}, map[string]any{}, false)
	if err != nil {
		rc.logger.Warn("building ping-back packet", slog.String("error", err.Error()))
		return
	}

	if rc.synthetic != nil {
		rc.synthetic(pkt, true)
		return
	}

	rc.processPacket(pkt, nil, true)
}

// timerSet tracks cancelable per-entity timers keyed by "<id>/<kind>".
type timerSet struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[string]*time.Timer)}
}

func (ts *timerSet) arm(key string, after time.Duration, fn func()) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if t, ok := ts.timers[key]; ok {
		t.Stop()
	}

	ts.timers[key] = time.AfterFunc(after, func() {
		ts.mu.Lock()
		delete(ts.timers, key)
		ts.mu.Unlock()

		fn()
	})
}

// stopEntity cancels every pending timer belonging to one entity id.
func (ts *timerSet) stopEntity(id string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	prefix := id + "/"
	for key, t := range ts.timers {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			t.Stop()
			delete(ts.timers, key)
		}
	}
}

func (ts *timerSet) stopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for key, t := range ts.timers {
		t.Stop()
		delete(ts.timers, key)
	}
}
