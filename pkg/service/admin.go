package service

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
)

// Channel is the admin fiber's byte stream as seen by the request/reply
// protocol below.
type Channel interface {
	io.Reader
	io.Writer
}

// Admin request/reply framing: request_type(1) || payload_size(u32 LE)
// || msgpack payload. Every request is answered with a reply frame
// before the next request is read.
type frameType uint8

const (
	frameCreateService frameType = iota + 1
	frameStopService
	frameReply
)

const maxAdminPayload = 64 * 1024

// CreateServicePayload is the wire shape of a CreateRequest.
type CreateServicePayload struct {
	Service    ID                `msgpack:"service_id"`
	Parameters map[string]string `msgpack:"parameters"`
}

// StopServicePayload is the wire shape of a StopRequest.
type StopServicePayload struct {
	Service ID `msgpack:"service_id"`
}

// ReplyPayload acknowledges a create or stop request.
type ReplyPayload struct {
	OK    bool   `msgpack:"ok"`
	Error string `msgpack:"error,omitempty"`
}

func writeFrame(w io.Writer, t frameType, v interface{}) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return sferr.New(sferr.CodeProtocolNotSupported, "cannot encode admin payload: %v", err)
	}
	var hdr [5]byte
	hdr[0] = byte(t)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	_, err = w.Write(body)
	return sferr.Wrap(sferr.CodeBrokenPipe, err)
}

func readFrame(r io.Reader) (frameType, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	n := binary.LittleEndian.Uint32(hdr[1:5])
	if n > maxAdminPayload {
		return 0, nil, sferr.New(sferr.CodeProtocolNotSupported, "admin payload_size %d exceeds max", n)
	}
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, sferr.Wrap(sferr.CodeBrokenPipe, err)
		}
	}
	return frameType(hdr[0]), body, nil
}

// Serve reads admin requests off ch until the channel fails, acking
// each one. A malformed or unknown frame ends the session; a request
// the Host rejects is reported in the reply and the loop continues.
func (h *Host) Serve(ctx context.Context, ch Channel) error {
	for {
		t, body, err := readFrame(ch)
		if err != nil {
			return err
		}
		switch t {
		case frameCreateService:
			var p CreateServicePayload
			if err := msgpack.Unmarshal(body, &p); err != nil {
				return sferr.New(sferr.CodeProtocolNotSupported, "malformed create request: %v", err)
			}
			reply := ReplyPayload{OK: true}
			if err := h.Create(ctx, CreateRequest{Service: p.Service, Parameters: p.Parameters}); err != nil {
				reply = ReplyPayload{Error: err.Error()}
			}
			if err := writeFrame(ch, frameReply, reply); err != nil {
				return err
			}
		case frameStopService:
			var p StopServicePayload
			if err := msgpack.Unmarshal(body, &p); err != nil {
				return sferr.New(sferr.CodeProtocolNotSupported, "malformed stop request: %v", err)
			}
			reply := ReplyPayload{OK: true}
			if err := h.Stop(StopRequest{Service: p.Service}); err != nil {
				reply = ReplyPayload{Error: err.Error()}
			}
			if err := writeFrame(ch, frameReply, reply); err != nil {
				return err
			}
		default:
			return sferr.New(sferr.CodeProtocolNotSupported, "unexpected admin frame %d", t)
		}
	}
}

// Client drives the peer's admin channel from the requesting side.
type Client struct {
	Ch Channel
}

func (c Client) roundTrip(t frameType, v interface{}) error {
	if err := writeFrame(c.Ch, t, v); err != nil {
		return err
	}
	rt, body, err := readFrame(c.Ch)
	if err != nil {
		return err
	}
	if rt != frameReply {
		return sferr.New(sferr.CodeProtocolNotSupported, "expected admin reply, got %d", rt)
	}
	var reply ReplyPayload
	if err := msgpack.Unmarshal(body, &reply); err != nil {
		return sferr.New(sferr.CodeProtocolNotSupported, "malformed admin reply: %v", err)
	}
	if !reply.OK {
		return sferr.New(sferr.CodeNotConnected, "admin request refused: %s", reply.Error)
	}
	return nil
}

// CreateService asks the session peer to instantiate a microservice.
func (c Client) CreateService(id ID, params map[string]string) error {
	return c.roundTrip(frameCreateService, CreateServicePayload{Service: id, Parameters: params})
}

// StopService asks the session peer to stop a running microservice.
func (c Client) StopService(id ID) error {
	return c.roundTrip(frameStopService, StopServicePayload{Service: id})
}
