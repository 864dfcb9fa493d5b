// Package protocol implements the binary envelope used on the Protect
// push channel. Every WebSocket message is one packet: two back-to-back
// frames (an action frame describing what changed, then a data frame
// carrying the payload), each prefixed with an 8-byte big-endian header.
package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

const (
	// HeaderSize is the fixed length of the frame header:
	// packetType(1) + payloadFormat(1) + deflated(1) + reserved(1) + payloadSize(4).
	HeaderSize = 8

	// maxPayloadSize caps a single frame payload so a corrupt length
	// field cannot make us allocate unbounded memory.
	maxPayloadSize = 64 * 1024 * 1024
)

// Packet types carried in the header's first byte.
const (
	PacketTypeAction  uint8 = 1
	PacketTypePayload uint8 = 2
)

// Payload formats carried in the header's second byte. Only JSON frames
// are ever JSON-decoded; UTF-8 and binary payloads pass through as raw
// bytes.
const (
	FormatJSON   uint8 = 1
	FormatUTF8   uint8 = 2
	FormatBinary uint8 = 3
)

// ProtocolError reports a malformed frame or packet. Callers drop the
// offending packet and continue the stream; a ProtocolError never
// invalidates the connection.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}

	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErrf(err error, format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Frame is one decoded frame. Payload always holds the inflated bytes;
// Deflated records whether the on-wire payload was zlib-compressed so
// Encode can round-trip the flag.
type Frame struct {
	PacketType    uint8
	PayloadFormat uint8
	Deflated      bool
	Payload       []byte
}

// DecodeFrame parses one frame starting at off and returns it together
// with the number of bytes consumed. A buffer too short for the header
// or the declared payload yields a ProtocolError.
func DecodeFrame(buf []byte, off int) (*Frame, int, error) {
	if off < 0 || off > len(buf) {
		return nil, 0, protoErrf(nil, "offset %d out of range", off)
	}

	rest := buf[off:]
	if len(rest) < HeaderSize {
		return nil, 0, protoErrf(nil, "short buffer: %d bytes, need %d for header", len(rest), HeaderSize)
	}

	size := binary.BigEndian.Uint32(rest[4:8])
	if size > maxPayloadSize {
		return nil, 0, protoErrf(nil, "payload size %d exceeds limit", size)
	}

	if len(rest) < HeaderSize+int(size) {
		return nil, 0, protoErrf(nil, "short buffer: %d bytes, need %d for payload", len(rest), HeaderSize+int(size))
	}

	f := &Frame{
		PacketType:    rest[0],
		PayloadFormat: rest[1],
		Deflated:      rest[2] == 1,
	}

	payload := rest[HeaderSize : HeaderSize+int(size)]
	if f.Deflated {
		inflated, err := inflate(payload)
		if err != nil {
			return nil, 0, protoErrf(err, "inflating payload")
		}

		f.Payload = inflated
	} else {
		// Copy so the frame does not alias the read buffer, which the
		// transport reuses.
		f.Payload = append([]byte(nil), payload...)
	}

	return f, HeaderSize + int(size), nil
}

// Encode serializes the frame back to wire format, deflating the payload
// when the Deflated flag is set. decode(encode(f)) == f for JSON and
// binary payloads.
func (f *Frame) Encode() ([]byte, error) {
	payload := f.Payload

	if f.Deflated {
		var buf bytes.Buffer

		w := zlib.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("deflating payload: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("closing deflate stream: %w", err)
		}

		payload = buf.Bytes()
	}

	out := make([]byte, HeaderSize+len(payload))
	out[0] = f.PacketType
	out[1] = f.PayloadFormat

	if f.Deflated {
		out[2] = 1
	}

	binary.BigEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[HeaderSize:], payload)

	return out, nil
}

// JSON decodes the payload into v. Only valid for FormatJSON frames.
func (f *Frame) JSON(v any) error {
	if f.PayloadFormat != FormatJSON {
		return protoErrf(nil, "payload format %d is not JSON", f.PayloadFormat)
	}

	if err := json.Unmarshal(f.Payload, v); err != nil {
		return protoErrf(err, "decoding JSON payload")
	}

	return nil
}

// NewJSONFrame builds a JSON frame from v.
func NewJSONFrame(packetType uint8, v any, deflated bool) (*Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling frame payload: %w", err)
	}

	return &Frame{
		PacketType:    packetType,
		PayloadFormat: FormatJSON,
		Deflated:      deflated,
		Payload:       payload,
	}, nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxPayloadSize+1))
	if err != nil {
		return nil, err
	}

	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", maxPayloadSize)
	}

	return out, nil
}
