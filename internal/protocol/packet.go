package protocol

import (
	"sync"

	json "github.com/goccy/go-json"
)

// Push actions carried in the action frame.
const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionRemove = "remove"
)

// Action is the decoded action frame of a packet.
type Action struct {
	Action      string `json:"action"`
	NewUpdateID string `json:"newUpdateId"`
	ModelKey    string `json:"modelKey"`
	ID          string `json:"id"`
}

// Packet is one WebSocket message off the push channel: an action frame
// followed by a data frame in a single buffer. Frames are decoded
// together on first access and are immutable afterwards.
type Packet struct {
	raw []byte

	once   sync.Once
	action *Frame
	data   *Frame
	parsed Action
	err    error
}

// NewPacket wraps a raw message buffer without decoding it.
func NewPacket(raw []byte) *Packet {
	return &Packet{raw: raw}
}

func (p *Packet) decode() {
	p.once.Do(func() {
		action, n, err := DecodeFrame(p.raw, 0)
		if err != nil {
			p.err = protoErrf(err, "decoding action frame")
			return
		}

		data, m, err := DecodeFrame(p.raw, n)
		if err != nil {
			p.err = protoErrf(err, "decoding data frame")
			return
		}

		if n+m != len(p.raw) {
			p.err = protoErrf(nil, "trailing garbage: %d bytes after data frame", len(p.raw)-n-m)
			return
		}

		if err := action.JSON(&p.parsed); err != nil {
			p.err = protoErrf(err, "parsing action frame")
			return
		}

		p.action = action
		p.data = data
	})
}

// Action returns the parsed action frame.
func (p *Packet) Action() (Action, error) {
	p.decode()
	return p.parsed, p.err
}

// DataFrame returns the decoded data frame.
func (p *Packet) DataFrame() (*Frame, error) {
	p.decode()
	return p.data, p.err
}

// DataObject decodes the data frame payload as a JSON object keyed by
// field name. Non-JSON data frames return a ProtocolError.
func (p *Packet) DataObject() (map[string]json.RawMessage, error) {
	p.decode()

	if p.err != nil {
		return nil, p.err
	}

	var obj map[string]json.RawMessage
	if err := p.data.JSON(&obj); err != nil {
		return nil, err
	}

	return obj, nil
}

// Size returns the raw message length in bytes.
func (p *Packet) Size() int { return len(p.raw) }

// EncodePacket assembles a two-frame packet buffer. Used by tests and by
// the write-back path when synthesizing local echo messages.
func EncodePacket(action, data *Frame) ([]byte, error) {
	a, err := action.Encode()
	if err != nil {
		return nil, err
	}

	d, err := data.Encode()
	if err != nil {
		return nil, err
	}

	return append(a, d...), nil
}

// EncodeActionPacket builds a packet from an Action and an arbitrary
// JSON-serializable data payload.
func EncodeActionPacket(action Action, payload any, deflated bool) (*Packet, error) {
	af, err := NewJSONFrame(PacketTypeAction, action, deflated)
	if err != nil {
		return nil, err
	}

	df, err := NewJSONFrame(PacketTypePayload, payload, deflated)
	if err != nil {
		return nil, err
	}

	raw, err := EncodePacket(af, df)
	if err != nil {
		return nil, err
	}

	return NewPacket(raw), nil
}
