package protect

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uilibs/uiprotect-go/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func int64p(v int64) *int64 { return &v }

// testBootstrap is a small but representative full-state document: one
// controller, two cameras, a light, a sensor, a chime, and the
// authenticated admin user.
func testBootstrap() *Bootstrap {
	return &Bootstrap{
		AuthUserID:   "user1",
		LastUpdateID: "cursor-0",
		NVR: &NVR{
			ID:       "nvr1",
			ModelKey: "nvr",
			Mac:      "AA:BB:CC:00:00:01",
			Name:     "Home NVR",
			Version:  "4.0.0",
		},
		Cameras: []*Camera{
			{Device: Device{ID: "cam1", ModelKey: "camera", Mac: "AA:BB:CC:00:00:10", Name: "Front Door", IsAdopted: true}},
			{Device: Device{ID: "cam2", ModelKey: "camera", Mac: "AA:BB:CC:00:00:11", Name: "Garage", IsAdopted: true}},
		},
		Lights: []*Light{
			{Device: Device{ID: "light1", ModelKey: "light", Mac: "AA:BB:CC:00:00:20", Name: "Floodlight", IsAdopted: true}},
		},
		Sensors: []*Sensor{
			{Device: Device{ID: "sensor1", ModelKey: "sensor", Mac: "AA:BB:CC:00:00:30", Name: "Door Sensor", IsAdopted: true}},
		},
		Chimes: []*Chime{
			{Device: Device{ID: "chime1", ModelKey: "chime", Mac: "AA:BB:CC:00:00:40", Name: "Chime", IsAdopted: true}},
		},
		Users: []*User{
			{ID: "user1", ModelKey: "user", Name: "admin", AllPermissions: []string{"camera:read,write:*", "light:read,write:*", "nvr:read,write:*"}},
			{ID: "user2", ModelKey: "user", Name: "viewer", AllPermissions: []string{"camera:read:*"}},
		},
	}
}

func loadedReplica(t *testing.T) *Replica {
	t.Helper()

	r := NewReplica(false)
	require.NoError(t, r.LoadBootstrap(testBootstrap()))

	return r
}

func newTestReconciler(t *testing.T, r *Replica, fetcher EntityFetcher) *Reconciler {
	t.Helper()

	rc := NewReconciler(r, &Policy{IgnoreStats: true}, fetcher, testLogger())
	t.Cleanup(rc.Stop)

	return rc
}

func updatePacket(t *testing.T, model ModelType, id, cursor string, fields map[string]any) *protocol.Packet {
	t.Helper()

	pkt, err := protocol.EncodeActionPacket(protocol.Action{
		Action:      protocol.ActionUpdate,
		NewUpdateID: cursor,
		ModelKey:    string(model),
		ID:          id,
	}, fields, false)
	require.NoError(t, err)

	return pkt
}

func addPacket(t *testing.T, model ModelType, id, cursor string, doc any) *protocol.Packet {
	t.Helper()

	pkt, err := protocol.EncodeActionPacket(protocol.Action{
		Action:      protocol.ActionAdd,
		NewUpdateID: cursor,
		ModelKey:    string(model),
		ID:          id,
	}, doc, false)
	require.NoError(t, err)

	return pkt
}

func removePacket(t *testing.T, model ModelType, id, cursor string) *protocol.Packet {
	t.Helper()

	pkt, err := protocol.EncodeActionPacket(protocol.Action{
		Action:      protocol.ActionRemove,
		NewUpdateID: cursor,
		ModelKey:    string(model),
		ID:          id,
	}, map[string]any{}, false)
	require.NoError(t, err)

	return pkt
}
