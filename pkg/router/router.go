// Package router implements the server-side routing overlay: a
// commutator that forwards datagrams between neighbor links by
// destination prefix, delivering locally addressed datagrams to the
// local demultiplexer instead.
package router

import (
	"sync"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/queue"
)

// Prefix is a destination address prefix in the routing table. Prefix 0
// always denotes local delivery.
type Prefix uint32

// LocalPrefix is reserved for local delivery.
const LocalPrefix Prefix = 0

// Packet is the unit the router forwards: an opaque payload addressed
// by destination prefix.
type Packet struct {
	Dest    Prefix
	Payload []byte
}

// OutputFunc serializes a packet onto a neighbor's link.
type OutputFunc func(Packet) error

// neighbor holds everything the router owns for one connected peer
// link: the callback used to push outbound packets to it, and the
// queue fed by its inbound read loop.
type neighbor struct {
	output OutputFunc
	recv   *queue.Queue[Packet]
}

// Router is one server process's routing table plus its neighbor
// registry. All structural changes (AddNetwork/RemoveNetwork) are
// serialized under mu.
type Router struct {
	mu        sync.Mutex
	table     map[Prefix]Prefix // destination prefix -> neighbor id ("next_endpoint_context"); only a LocalPrefix destination is delivered locally
	neighbors map[Prefix]*neighbor

	localRecv  *queue.Queue[Packet] // get_network_receive_queue(LocalPrefix)
	sendQueue  *queue.Queue[Packet] // get_router_send_queue()
}

// New creates an empty router with its local-delivery and router-level
// send queues ready.
func New() *Router {
	return &Router{
		table:     make(map[Prefix]Prefix),
		neighbors: make(map[Prefix]*neighbor),
		localRecv: queue.New[Packet](1024, 0),
		sendQueue: queue.New[Packet](1024, 0),
	}
}

// AddNetwork registers a neighbor reachable at neighborID, installs a
// `prefix -> neighborID` route, and returns the neighbor's inbound
// receive queue for its link's read loop to feed.
func (r *Router) AddNetwork(prefix, neighborID Prefix, output OutputFunc) *queue.Queue[Packet] {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := &neighbor{output: output, recv: queue.New[Packet](1024, 0)}
	r.neighbors[neighborID] = n
	r.table[prefix] = neighborID
	return n.recv
}

// RemoveNetwork uninstalls a neighbor's callbacks, closes its queue and
// removes every route pointing at it.
func (r *Router) RemoveNetwork(neighborID Prefix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.neighbors[neighborID]; ok {
		n.recv.Close()
		delete(r.neighbors, neighborID)
	}
	for prefix, target := range r.table {
		if target == neighborID {
			delete(r.table, prefix)
		}
	}
}

// LocalReceiveQueue is get_network_receive_queue(LocalPrefix): the
// queue a local demultiplexer/microservice host drains for packets
// addressed to this node.
func (r *Router) LocalReceiveQueue() *queue.Queue[Packet] {
	return r.localRecv
}

// SendQueue is get_router_send_queue(): a queue for packets local code
// originates. The Router itself does not drain it; packets pushed here
// are not dispatched unless a caller passes them to Dispatch.
func (r *Router) SendQueue() *queue.Queue[Packet] {
	return r.sendQueue
}

// route is the selector: given a destination prefix, find the neighbor
// to forward to, or report not_connected.
func (r *Router) route(dest Prefix) (*neighbor, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dest == LocalPrefix {
		return nil, true, nil
	}
	target, ok := r.table[dest]
	if !ok {
		return nil, false, sferr.New(sferr.CodeNotConnected, "no route to prefix %d", dest)
	}
	n, ok := r.neighbors[target]
	if !ok {
		return nil, false, sferr.New(sferr.CodeNotConnected, "neighbor %d not registered", target)
	}
	return n, false, nil
}

// Dispatch is the commutator: for one inbound datagram, ask the
// selector for the outbound id and either deliver locally or forward
// via the neighbor's output callback. Selector failure drops the packet
// silently with no bounce.
func (r *Router) Dispatch(p Packet) {
	n, local, err := r.route(p.Dest)
	if err != nil {
		return
	}
	if local {
		_ = r.localRecv.TryPush(p)
		return
	}
	_ = n.output(p)
}

// DispatchInbound is called by a neighbor's link read loop for every
// datagram it receives; it is equivalent to Dispatch but recorded
// against that neighbor's inbound receive-queue first so a microservice
// reading get_network_receive_queue(prefix) observes it, then
// re-dispatched per the commutator rule.
func (r *Router) DispatchInbound(neighborID Prefix, p Packet) {
	r.mu.Lock()
	n, ok := r.neighbors[neighborID]
	r.mu.Unlock()
	if ok {
		_ = n.recv.TryPush(p)
	}
	r.Dispatch(p)
}
