// Package circuit implements the optional relay chain a client can
// request between itself and the final destination, transparent to
// every layer above it: each relay pops one hop from the forward list,
// opens a link to the next hop, and bridges bytes in both directions.
package circuit

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/address"
)

// ForwardList is the client-serialized stack of hop parameter sets
// sent as the circuit layer's first control frame: each entry is one
// hop, in traversal order, with the final entry being the ultimate
// destination.
type ForwardList []address.Stack

// Marshal serializes the forward list as a UTF-8 JSON string holding
// the stack of parameter maps. The length prefix is added on the wire
// by WriteForwardList, not here.
func (fl ForwardList) Marshal() ([]byte, error) {
	body, err := json.Marshal(fl)
	if err != nil {
		return nil, sferr.Wrap(sferr.CodeProtocolNotSupported, err)
	}
	return body, nil
}

// UnmarshalForwardList decodes a forward list previously produced by
// Marshal.
func UnmarshalForwardList(data []byte) (ForwardList, error) {
	var fl ForwardList
	if err := json.Unmarshal(data, &fl); err != nil {
		return nil, sferr.New(sferr.CodeProtocolNotSupported, "malformed forward list: %v", err)
	}
	return fl, nil
}

// PopHop removes and returns the first hop, with any parameter it lacks
// filled from the per-endpoint defaults stack. The remaining hops are
// returned as they are, without defaults applied.
func (fl ForwardList) PopHop(defaults address.Stack) (address.Stack, ForwardList) {
	if len(fl) == 0 {
		return nil, fl
	}
	hop := address.MergeDefaults(fl[0], defaults)
	return hop, fl[1:]
}

// IsTerminus reports whether the forward list has at most one entry
// (the destination) remaining: when true, the accepting node is the
// final destination and should install the upper-layer demultiplexer
// instead of relaying.
func (fl ForwardList) IsTerminus() bool {
	return len(fl) <= 1
}

// Dialer opens a new outbound link to the hop described by an
// address.Stack. Implemented by pkg/link.CircuitDialer; kept as an interface
// here so circuit relaying has no import-cycle dependency on the link
// package's TLS machinery.
type Dialer interface {
	Dial(stack address.Stack) (io.ReadWriteCloser, error)
}

// Relay implements one relay hop. fl is the list this node just read
// from upstream; its head entry describes this node itself, so the
// relay drops that head, opens a downstream link to the new head, hands
// it the remaining list (from which the downstream node decides whether
// it is the terminus), and bridges bytes both ways until either side
// closes.
//
// Relay performs no framing or inspection of the bridged bytes beyond
// the initial forward-list exchange.
func Relay(upstream io.ReadWriteCloser, fl ForwardList, defaults address.Stack, dialer Dialer) error {
	_, rest := fl.PopHop(defaults) // drop the entry describing this node
	if len(rest) == 0 {
		return reportFailure(upstream, sferr.CodeDestinationAddressRequired,
			sferr.New(sferr.CodeDestinationAddressRequired, "forward list has no next hop"))
	}
	next := address.MergeDefaults(rest[0], defaults)
	downstream, err := dialer.Dial(next)
	if err != nil {
		return reportFailure(upstream, sferr.CodeNotConnected, err)
	}

	if err := WriteForwardList(downstream, rest); err != nil {
		downstream.Close()
		return reportFailure(upstream, sferr.CodeBrokenPipe, err)
	}

	bridge(upstream, downstream)
	return nil
}

// bridge copies bytes in both directions between two links until
// either side's read returns, then closes both: the current link's
// read side writes into the next link's write side and vice versa.
func bridge(a, b io.ReadWriteCloser) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}
	done := make(chan struct{}, 2)
	go func() { io.Copy(b, a); done <- struct{}{} }()
	go func() { io.Copy(a, b); done <- struct{}{} }()
	<-done
	closeBoth()
	<-done
}

// reportFailure replies to the initiator on the just-established link
// with a 32-bit error code and closes it.
func reportFailure(upstream io.ReadWriteCloser, code sferr.Code, cause error) error {
	var codeBytes [4]byte
	v := uint32(code)
	codeBytes[0] = byte(v)
	codeBytes[1] = byte(v >> 8)
	codeBytes[2] = byte(v >> 16)
	codeBytes[3] = byte(v >> 24)
	upstream.Write(codeBytes[:])
	upstream.Close()
	return sferr.Wrap(code, cause)
}

func writeLengthPrefixed(w io.Writer, body []byte) error {
	var lenBytes [4]byte
	n := uint32(len(body))
	lenBytes[0] = byte(n)
	lenBytes[1] = byte(n >> 8)
	lenBytes[2] = byte(n >> 16)
	lenBytes[3] = byte(n >> 24)
	if _, err := w.Write(lenBytes[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// WriteForwardList writes fl's length-prefixed serialization to w, the
// initiator's first control frame after the link handshake.
func WriteForwardList(w io.Writer, fl ForwardList) error {
	body, err := fl.Marshal()
	if err != nil {
		return err
	}
	if err := writeLengthPrefixed(w, body); err != nil {
		return sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	return nil
}

// ReadForwardList reads a length-prefixed forward list previously
// written by writeLengthPrefixed/Marshal, as the first control frame an
// accepting node reads after the version exchange.
func ReadForwardList(r io.Reader) (ForwardList, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	n := uint32(lenBytes[0]) | uint32(lenBytes[1])<<8 | uint32(lenBytes[2])<<16 | uint32(lenBytes[3])<<24
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	return UnmarshalForwardList(body)
}
