// Package link implements the authenticated link layer: TCP/proxy
// physical connect, mutual-auth TLS, and the two 32-bit version
// handshakes (link version, then transport version) that gate whether a
// connection is allowed to proceed to the fiber demultiplexer.
package link

import (
	"io"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
)

// LinkVersion is the first version word exchanged after TLS: layout
// major<<24 | minor<<16 | security<<8 | archive. All four bytes must
// match or the acceptor aborts the link.
type LinkVersion struct {
	Major    uint8
	Minor    uint8
	Security uint8
	Archive  uint8
}

func (v LinkVersion) bytes() [4]byte {
	return [4]byte{v.Major, v.Minor, v.Security, v.Archive}
}

// TransportVersion is the second version word exchanged once the link
// is up: layout major<<24 | minor<<16 | transport<<8 | circuit.
//
// Only major and transport are compared on acceptance; minor and
// circuit are read but discarded. Peers on older wire revisions depend
// on that laxness, so do not add minor/circuit comparison here.
type TransportVersion struct {
	Major     uint8
	Minor     uint8
	Transport uint8
	Circuit   uint8
}

func (v TransportVersion) bytes() [4]byte {
	return [4]byte{v.Major, v.Minor, v.Transport, v.Circuit}
}

// WriteLinkVersion writes the 4-byte version word in network
// (big-endian) order.
func WriteLinkVersion(w io.Writer, v LinkVersion) error {
	b := v.bytes()
	_, err := w.Write(b[:])
	return sferr.Wrap(sferr.CodeBrokenPipe, err)
}

// ReadLinkVersion reads the peer's 4-byte version word.
func ReadLinkVersion(r io.Reader) (LinkVersion, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return LinkVersion{}, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	return LinkVersion{Major: b[0], Minor: b[1], Security: b[2], Archive: b[3]}, nil
}

// CheckLinkVersion compares all four bytes; any difference fails
// protocol_not_supported and the caller must close the link without
// processing any data frame.
func CheckLinkVersion(local, remote LinkVersion) error {
	if local == remote {
		return nil
	}
	return sferr.New(sferr.CodeProtocolNotSupported,
		"link version mismatch: local %+v remote %+v", local, remote)
}

// WriteTransportVersion writes the initiator's request word.
func WriteTransportVersion(w io.Writer, v TransportVersion) error {
	b := v.bytes()
	_, err := w.Write(b[:])
	return sferr.Wrap(sferr.CodeBrokenPipe, err)
}

// ReadTransportVersion reads the initiator's request word, as the
// terminus does before replying with a boolean accept/reject.
func ReadTransportVersion(r io.Reader) (TransportVersion, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return TransportVersion{}, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	return TransportVersion{Major: b[0], Minor: b[1], Transport: b[2], Circuit: b[3]}, nil
}

// AcceptTransportVersion compares only major and transport (see the
// TransportVersion doc comment on why minor/circuit are intentionally
// excluded) and returns whether the terminus should accept.
func AcceptTransportVersion(local, remote TransportVersion) bool {
	return local.Major == remote.Major && local.Transport == remote.Transport
}

// WriteTransportReply writes the terminus's single-byte boolean reply
// (true = accept).
func WriteTransportReply(w io.Writer, accept bool) error {
	var b [1]byte
	if accept {
		b[0] = 1
	}
	_, err := w.Write(b[:])
	return sferr.Wrap(sferr.CodeBrokenPipe, err)
}

// ReadTransportReply reads the terminus's boolean reply; false means
// wrong_protocol_type and both sides must tear down.
func ReadTransportReply(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	if b[0] == 0 {
		return false, sferr.New(sferr.CodeWrongProtocolType, "peer rejected transport version")
	}
	return true, nil
}
