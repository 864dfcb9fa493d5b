package protocol

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPacket(t *testing.T, action Action, payload any, deflated bool) *Packet {
	t.Helper()

	pkt, err := EncodeActionPacket(action, payload, deflated)
	require.NoError(t, err)

	return pkt
}

func TestPacket_RoundTrip(t *testing.T) {
	action := Action{
		Action:      ActionUpdate,
		NewUpdateID: "cursor-42",
		ModelKey:    "camera",
		ID:          "cam1",
	}

	pkt := buildPacket(t, action, map[string]any{"isDark": true}, false)

	got, err := pkt.Action()
	require.NoError(t, err)
	assert.Equal(t, action, got)

	data, err := pkt.DataObject()
	require.NoError(t, err)
	require.Contains(t, data, "isDark")
	assert.JSONEq(t, "true", string(data["isDark"]))
}

func TestPacket_DeflatedRoundTrip(t *testing.T) {
	action := Action{Action: ActionAdd, ModelKey: "event", ID: "ev1"}
	pkt := buildPacket(t, action, map[string]any{"type": "motion"}, true)

	got, err := pkt.Action()
	require.NoError(t, err)
	assert.Equal(t, ActionAdd, got.Action)

	frame, err := pkt.DataFrame()
	require.NoError(t, err)
	assert.True(t, frame.Deflated)
}

func TestPacket_TrailingGarbage(t *testing.T) {
	pkt := buildPacket(t, Action{Action: ActionUpdate, ModelKey: "camera", ID: "cam1"},
		map[string]any{}, false)

	raw := append(append([]byte(nil), pkt.raw...), 0x00, 0x01)

	_, err := NewPacket(raw).Action()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing garbage")
}

func TestPacket_TruncatedSecondFrame(t *testing.T) {
	pkt := buildPacket(t, Action{Action: ActionUpdate, ModelKey: "camera", ID: "cam1"},
		map[string]any{"name": "front door"}, false)

	_, err := NewPacket(pkt.raw[:len(pkt.raw)-3]).Action()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data frame")
}

func TestPacket_MalformedActionJSON(t *testing.T) {
	af := &Frame{PacketType: PacketTypeAction, PayloadFormat: FormatJSON, Payload: []byte(`{not json`)}
	df := &Frame{PacketType: PacketTypePayload, PayloadFormat: FormatJSON, Payload: []byte(`{}`)}

	raw, err := EncodePacket(af, df)
	require.NoError(t, err)

	_, err = NewPacket(raw).Action()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing action frame")
}

func TestPacket_DecodeIsSticky(t *testing.T) {
	pkt := NewPacket([]byte{1, 2, 3})

	_, err1 := pkt.Action()
	_, err2 := pkt.DataObject()

	require.Error(t, err1)
	assert.Equal(t, err1, err2)
}

func TestPacket_DataObjectNonJSON(t *testing.T) {
	af, err := NewJSONFrame(PacketTypeAction, Action{Action: ActionUpdate, ModelKey: "camera"}, false)
	require.NoError(t, err)

	df := &Frame{PacketType: PacketTypePayload, PayloadFormat: FormatBinary, Payload: []byte{0xff}}

	raw, err := EncodePacket(af, df)
	require.NoError(t, err)

	_, err = NewPacket(raw).DataObject()
	require.Error(t, err)
}

func TestPacket_Size(t *testing.T) {
	pkt := buildPacket(t, Action{Action: ActionUpdate, ModelKey: "nvr", ID: "n"}, map[string]any{}, false)
	assert.Equal(t, len(pkt.raw), pkt.Size())
}

func TestPacket_DataObjectRawValues(t *testing.T) {
	pkt := buildPacket(t, Action{Action: ActionUpdate, ModelKey: "camera", ID: "cam1"},
		map[string]any{"micVolume": 75, "name": "porch"}, false)

	data, err := pkt.DataObject()
	require.NoError(t, err)

	var vol int
	require.NoError(t, json.Unmarshal(data["micVolume"], &vol))
	assert.Equal(t, 75, vol)
}
