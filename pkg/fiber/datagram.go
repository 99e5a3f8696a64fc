package fiber

import (
	"encoding/binary"
	"io"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
)

// ProtocolID distinguishes control frames (open/accept/close/ack a fiber)
// from data frames on the shared datagram stream.
type ProtocolID uint8

const (
	ProtocolControl ProtocolID = 1
	ProtocolData    ProtocolID = 2
)

// ControlReason is the reason code carried by a control frame.
type ControlReason uint8

const (
	ReasonSyn ControlReason = iota
	ReasonSynAck
	ReasonAck
	ReasonFin
	ReasonFinAck
	ReasonReset
	ReasonWindowUpdate
)

// headerLen is protocol_id(1) + fiber_left_id(2) + fiber_right_id(2) +
// payload_length(2).
const headerLen = 1 + 2 + 2 + 2

// DefaultMTU is the default max datagram payload on a link.
const DefaultMTU = 4096

// Datagram is one framed unit on the wire: protocol_id || fiber_left_id
// || fiber_right_id || payload_length || payload, little-endian.
type Datagram struct {
	Protocol ProtocolID
	// Left/Right mirror the wire's fiber_left_id/fiber_right_id, which
	// are opaque from the demultiplexer's point of view: each side
	// interprets (Left, Right) as (Remote, Local) or (Local, Remote)
	// depending on which end opened the fiber. We always write Left as
	// the recipient's Local port and Right as the recipient's Remote
	// port, so a receiving demultiplexer can look a datagram up by
	// ID{Local: Left, Remote: Right} directly.
	Left    Port
	Right   Port
	Reason  ControlReason // meaningful only when Protocol == ProtocolControl
	Payload []byte
}

// WriteTo serializes the datagram to w.
func (d Datagram) WriteTo(w io.Writer) (int64, error) {
	payload := d.Payload
	if d.Protocol == ProtocolControl {
		payload = append([]byte{byte(d.Reason)}, d.Payload...)
	}
	if len(payload) > 0xFFFF {
		return 0, sferr.New(sferr.CodeBufferFull, "datagram payload %d exceeds MTU field width", len(payload))
	}
	var hdr [headerLen]byte
	hdr[0] = byte(d.Protocol)
	binary.LittleEndian.PutUint16(hdr[1:3], uint16(d.Left))
	binary.LittleEndian.PutUint16(hdr[3:5], uint16(d.Right))
	binary.LittleEndian.PutUint16(hdr[5:7], uint16(len(payload)))
	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	m, err := w.Write(payload)
	total := int64(n + m)
	if err != nil {
		return total, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	return total, nil
}

// ReadDatagram reads and decodes one framed datagram from r.
func ReadDatagram(r io.Reader) (Datagram, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Datagram{}, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	d := Datagram{
		Protocol: ProtocolID(hdr[0]),
		Left:     Port(binary.LittleEndian.Uint16(hdr[1:3])),
		Right:    Port(binary.LittleEndian.Uint16(hdr[3:5])),
	}
	n := binary.LittleEndian.Uint16(hdr[5:7])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Datagram{}, sferr.Wrap(sferr.CodeBrokenPipe, err)
		}
	}
	if d.Protocol == ProtocolControl {
		if len(payload) < 1 {
			return Datagram{}, sferr.New(sferr.CodeProtocolNotSupported, "control datagram missing reason byte")
		}
		d.Reason = ControlReason(payload[0])
		d.Payload = payload[1:]
	} else {
		d.Payload = payload
	}
	return d, nil
}

// ID reinterprets the datagram's wire-level Left/Right as a local fiber
// ID from the perspective of the receiving demultiplexer.
func (d Datagram) ID() ID {
	return ID{Local: d.Left, Remote: d.Right}
}
