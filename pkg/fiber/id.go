// Package fiber implements the fiber demultiplexer and the per-fiber
// reliable, flow-controlled, in-order byte stream it runs on top of a
// single authenticated link byte stream.
package fiber

import "fmt"

// Port identifies one half of a fiber id. Ports at or above
// WellKnownPortBase are reserved for microservices; user ports are
// freely chosen below it.
type Port uint16

// WellKnownPortBase marks the start of the reserved range. The wire
// format carries only 16-bit ports (fiber_left_id/fiber_right_id are
// u16), so the reserved microservice ports cluster at the top of the
// 16-bit space.
const WellKnownPortBase Port = 0xF000

// Well-known microservice ports.
const (
	PortAdmin            Port = WellKnownPortBase + 0
	PortCopyServer       Port = WellKnownPortBase + 2
	PortCopyFileAcceptor Port = WellKnownPortBase + 3
)

// ID is a fiber's pair of ports: Local is this endpoint's listening/bound
// port, Remote is the peer's. On the wire a datagram carries
// fiber_left_id and fiber_right_id. The sender writes its (Remote,
// Local) as (left, right), so the receiver reads (left, right) directly
// as its own (Local, Remote) with no swap.
type ID struct {
	Local  Port
	Remote Port
}

// Swapped returns the peer's view of the same fiber.
func (id ID) Swapped() ID {
	return ID{Local: id.Remote, Remote: id.Local}
}

func (id ID) String() string {
	return fmt.Sprintf("%d<-%d", id.Local, id.Remote)
}
