package protect

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uilibs/uiprotect-go/internal/protocol"
)

// fakeFetcher records self-heal refetch calls.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	doc   []byte
	err   error
	done  chan struct{}
}

func (f *fakeFetcher) FetchDevice(ctx context.Context, model ModelType, id string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, string(model)+"/"+id)
	f.mu.Unlock()

	if f.done != nil {
		defer close(f.done)
	}

	return f.doc, f.err
}

func TestProcessPacket_UpdateMergesChangedFields(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	pkt := updatePacket(t, ModelCamera, "cam1", "cursor-1", map[string]any{
		"name":   "Porch",
		"isDark": true,
	})

	msg := rc.ProcessPacket(pkt, nil)
	require.NotNil(t, msg)

	assert.Equal(t, protocol.ActionUpdate, msg.Action)
	assert.Equal(t, ModelCamera, msg.Model)
	assert.ElementsMatch(t, []string{"name", "isDark"}, msg.ChangedFields)

	// Old is the pre-update state, New the post-update state.
	assert.Equal(t, "Front Door", msg.Old.(*Camera).Name)
	assert.Equal(t, "Porch", msg.New.(*Camera).Name)

	cam, ok := r.GetCamera("cam1")
	require.True(t, ok)
	assert.Equal(t, "Porch", cam.Name)
	assert.True(t, cam.IsDark)

	// Untouched fields survive the overlay merge.
	assert.Equal(t, "AA:BB:CC:00:00:10", cam.Mac)
	assert.Equal(t, "cursor-1", r.LastUpdateID())
}

func TestProcessPacket_CursorAdvancesForFilteredModels(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	filter := map[ModelType]bool{ModelSensor: true}

	pkt := updatePacket(t, ModelCamera, "cam1", "cursor-7", map[string]any{"isDark": true})
	msg := rc.ProcessPacket(pkt, filter)

	assert.Nil(t, msg, "filtered model produces no message")
	assert.Equal(t, "cursor-7", r.LastUpdateID(), "cursor advances regardless")

	cam, _ := r.GetCamera("cam1")
	assert.False(t, cam.IsDark, "filtered update must not touch the replica")
}

func TestProcessPacket_UnknownModelDropped(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	pkt := updatePacket(t, ModelType("thermostat"), "t1", "cursor-5", map[string]any{"on": true})

	assert.Nil(t, rc.ProcessPacket(pkt, nil))
	assert.Equal(t, "cursor-0", r.LastUpdateID(), "unknown model does not advance the cursor")
}

func TestProcessPacket_UnknownIDSilentDrop(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	pkt := updatePacket(t, ModelCamera, "ghost", "cursor-2", map[string]any{"isDark": true})

	assert.Nil(t, rc.ProcessPacket(pkt, nil))
	assert.Equal(t, "cursor-2", r.LastUpdateID())
}

func TestProcessPacket_IgnoredKeysStripped(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	// stats is in the telemetry set, lastMotion in the camera set, id in
	// the baseline set. Only name survives.
	pkt := updatePacket(t, ModelCamera, "cam1", "cursor-3", map[string]any{
		"id":         "cam1",
		"stats":      map[string]any{"rxBytes": 1},
		"lastMotion": 12345,
		"name":       "Renamed",
	})

	msg := rc.ProcessPacket(pkt, nil)
	require.NotNil(t, msg)
	assert.Equal(t, []string{"name"}, msg.ChangedFields)

	cam, _ := r.GetCamera("cam1")
	assert.Nil(t, cam.LastMotion, "pushed lastMotion is ignored; correlation owns it")
}

func TestProcessPacket_EmptyAfterStrippingIsNoop(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	pkt := updatePacket(t, ModelCamera, "cam1", "cursor-4", map[string]any{
		"stats":  map[string]any{"rxBytes": 1},
		"uptime": 99,
	})

	assert.Nil(t, rc.ProcessPacket(pkt, nil))
	assert.Equal(t, "cursor-4", r.LastUpdateID())
}

func TestProcessPacket_StatsKeysKeptWhenNotIgnoring(t *testing.T) {
	r := loadedReplica(t)
	rc := NewReconciler(r, &Policy{IgnoreStats: false}, nil, testLogger())
	t.Cleanup(rc.Stop)

	pkt := updatePacket(t, ModelCamera, "cam1", "cursor-4", map[string]any{
		"uptime": 99,
	})

	msg := rc.ProcessPacket(pkt, nil)
	require.NotNil(t, msg)
	assert.Equal(t, []string{"uptime"}, msg.ChangedFields)
}

func TestProcessPacket_AddDevice(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	pkt := addPacket(t, ModelCamera, "cam9", "cursor-5", map[string]any{
		"id":        "cam9",
		"modelKey":  "camera",
		"mac":       "AA:BB:CC:00:00:99",
		"name":      "New Cam",
		"isAdopted": true,
	})

	msg := rc.ProcessPacket(pkt, nil)
	require.NotNil(t, msg)
	assert.Equal(t, protocol.ActionAdd, msg.Action)

	cam, ok := r.GetCamera("cam9")
	require.True(t, ok)
	assert.Equal(t, "New Cam", cam.Name)

	_, ok = r.LookupMAC("aabbcc000099")
	assert.True(t, ok)
}

func TestProcessPacket_AddUnadoptedDeviceSkipped(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	pkt := addPacket(t, ModelCamera, "cam9", "cursor-5", map[string]any{
		"id":        "cam9",
		"isAdopted": false,
	})

	assert.Nil(t, rc.ProcessPacket(pkt, nil))

	_, ok := r.GetCamera("cam9")
	assert.False(t, ok)
}

func TestProcessPacket_AddEventAlwaysEntersRing(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	pkt := addPacket(t, ModelEvent, "ev1", "cursor-6", map[string]any{
		"id":     "ev1",
		"type":   EventTypeMotion,
		"start":  1000,
		"camera": "cam1",
	})

	msg := rc.ProcessPacket(pkt, nil)
	require.NotNil(t, msg)

	ev, ok := r.GetEvent("ev1")
	require.True(t, ok)
	assert.Equal(t, EventTypeMotion, ev.Type)

	// Correlation ran as part of the add.
	cam, _ := r.GetCamera("cam1")
	assert.Equal(t, "ev1", cam.LastMotionEventID)
	require.NotNil(t, cam.LastMotion)
	assert.Equal(t, int64(1000), *cam.LastMotion)
}

func TestProcessPacket_Remove(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	msg := rc.ProcessPacket(removePacket(t, ModelCamera, "cam2", "cursor-7"), nil)
	require.NotNil(t, msg)
	assert.Equal(t, protocol.ActionRemove, msg.Action)
	assert.Equal(t, "cam2", msg.Old.EntityID())

	_, ok := r.GetCamera("cam2")
	assert.False(t, ok)
}

func TestProcessPacket_RemoveUnknownIDIsNoop(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	assert.Nil(t, rc.ProcessPacket(removePacket(t, ModelCamera, "ghost", "cursor-8"), nil))
}

func TestProcessPacket_MalformedPacketDropped(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	assert.Nil(t, rc.ProcessPacket(protocol.NewPacket([]byte{0xde, 0xad}), nil))
	assert.Equal(t, "cursor-0", r.LastUpdateID())
}

func TestProcessPacket_UnknownKeyTriggersSelfHeal(t *testing.T) {
	r := loadedReplica(t)

	freshDoc, err := json.Marshal(map[string]any{
		"id":        "cam1",
		"modelKey":  "camera",
		"mac":       "AA:BB:CC:00:00:10",
		"name":      "Healed",
		"isAdopted": true,
	})
	require.NoError(t, err)

	fetcher := &fakeFetcher{doc: freshDoc, done: make(chan struct{})}
	rc := newTestReconciler(t, r, fetcher)

	pkt := updatePacket(t, ModelCamera, "cam1", "cursor-9", map[string]any{
		"name":          "Corrupted",
		"notARealField": true,
	})

	assert.Nil(t, rc.ProcessPacket(pkt, nil), "corrupt payload produces no message")

	select {
	case <-fetcher.done:
	case <-time.After(5 * time.Second):
		t.Fatal("self-heal refetch never ran")
	}

	// The refetch replaces the entity wholesale; poll briefly since the
	// replica write happens after the fetch returns.
	require.Eventually(t, func() bool {
		cam, ok := r.GetCamera("cam1")
		return ok && cam.Name == "Healed"
	}, 5*time.Second, 10*time.Millisecond)

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Equal(t, []string{"camera/cam1"}, fetcher.calls)
}

func TestProcessPacket_SelfHealFetchFailureLeavesEntity(t *testing.T) {
	r := loadedReplica(t)

	fetcher := &fakeFetcher{err: assert.AnError, done: make(chan struct{})}
	rc := newTestReconciler(t, r, fetcher)

	pkt := updatePacket(t, ModelCamera, "cam1", "cursor-9", map[string]any{
		"notARealField": true,
	})

	assert.Nil(t, rc.ProcessPacket(pkt, nil))

	select {
	case <-fetcher.done:
	case <-time.After(5 * time.Second):
		t.Fatal("self-heal refetch never ran")
	}

	cam, ok := r.GetCamera("cam1")
	require.True(t, ok)
	assert.Equal(t, "Front Door", cam.Name, "failed heal leaves the existing entity untouched")
}

func TestProcessPacket_NilFetcherDisablesSelfHeal(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)

	pkt := updatePacket(t, ModelCamera, "cam1", "cursor-9", map[string]any{
		"notARealField": true,
	})

	assert.Nil(t, rc.ProcessPacket(pkt, nil))

	cam, ok := r.GetCamera("cam1")
	require.True(t, ok)
	assert.Equal(t, "Front Door", cam.Name)
}

func TestProcessPacket_StatsCapture(t *testing.T) {
	r := loadedReplica(t)
	rc := newTestReconciler(t, r, nil)
	capture := rc.EnableStats(16)

	rc.ProcessPacket(updatePacket(t, ModelCamera, "cam1", "c1", map[string]any{"name": "A"}), nil)
	rc.ProcessPacket(updatePacket(t, ModelCamera, "cam1", "c2", map[string]any{"uptime": 1}), nil)

	records := capture.Records()
	require.Len(t, records, 2)

	assert.False(t, records[0].Filtered)
	assert.Equal(t, []string{"name"}, records[0].KeysApplied)

	assert.True(t, records[1].Filtered, "stats-only update is recorded as filtered")
	assert.Equal(t, []string{"uptime"}, records[1].KeysPresent)
}

func TestNewEntity_RejectsUnknownModel(t *testing.T) {
	_, err := newEntity(ModelType("toaster"), []byte(`{}`))
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestNewEntity_StrictDecoding(t *testing.T) {
	_, err := newEntity(ModelCamera, []byte(`{"id":"c1","bogusField":1}`))
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	e, err := newEntity(ModelCamera, []byte(`{"id":"c1","name":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", e.EntityID())
}
