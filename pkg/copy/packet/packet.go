// Package packet implements the copy microservice's wire framing and
// payload types: a fixed header (packet_type(1) || payload_size(u32 LE))
// followed by a MessagePack-encoded payload, carried over a control or
// file fiber.
package packet

import (
	"encoding/binary"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
)

// MaxPayloadSize bounds a single packet's payload.
const MaxPayloadSize = 256 * 1024

// Type identifies the payload carried by a Frame.
type Type uint8

const (
	TypeCopyRequest Type = iota + 1
	TypeCopyRequestAck
	TypeInitRequest
	TypeInitReply
	TypeData
	TypeEof
	TypeCheckIntegrityRequest
	TypeCheckIntegrityReply
	TypeCopyFinished
	TypeAbort
	TypeAbortAck
)

// Frame is one framed unit on a copy fiber: packet_type(1) ||
// payload_size(u32 LE) || payload.
type Frame struct {
	Type    Type
	Payload []byte
}

// WriteTo serializes the frame.
func (f Frame) WriteTo(w io.Writer) error {
	if len(f.Payload) > MaxPayloadSize {
		return sferr.New(sferr.CodeBufferFull, "copy payload %d exceeds max %d", len(f.Payload), MaxPayloadSize)
	}
	var hdr [5]byte
	hdr[0] = byte(f.Type)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return sferr.Wrap(sferr.CodeBrokenPipe, err)
}

// ReadFrame reads and decodes one framed unit from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	n := binary.LittleEndian.Uint32(hdr[1:5])
	if n > MaxPayloadSize {
		return Frame{}, sferr.New(sferr.CodeProtocolNotSupported, "copy frame payload_size %d exceeds max", n)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, sferr.Wrap(sferr.CodeBrokenPipe, err)
		}
	}
	return Frame{Type: Type(hdr[0]), Payload: payload}, nil
}

// Pack msgpack-encodes v into a Frame of the given type.
func Pack(t Type, v interface{}) (Frame, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return Frame{}, sferr.New(sferr.CodeProtocolNotSupported, "cannot encode copy payload: %v", err)
	}
	if len(body) > MaxPayloadSize {
		return Frame{}, sferr.New(sferr.CodeBufferFull, "encoded copy payload %d exceeds max %d", len(body), MaxPayloadSize)
	}
	return Frame{Type: t, Payload: body}, nil
}

// Unpack msgpack-decodes a Frame's payload into v.
func Unpack(f Frame, v interface{}) error {
	if err := msgpack.Unmarshal(f.Payload, v); err != nil {
		return sferr.New(sferr.CodeProtocolNotSupported, "cannot decode copy payload: %v", err)
	}
	return nil
}

// WritePayload packs and writes v in one step.
func WritePayload(w io.Writer, t Type, v interface{}) error {
	f, err := Pack(t, v)
	if err != nil {
		return err
	}
	return f.WriteTo(w)
}
