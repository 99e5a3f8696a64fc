package fiber

import (
	"context"
	"io"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/queue"
)

// lowWater and highWater bound the demultiplexer's single receive
// buffer: the pull loop from the link
// pauses above highWater and resumes once consumption drops below
// lowWater.
const (
	lowWater  = 1 << 20
	highWater = 16 << 20
)

// Link is the authenticated byte stream a Demultiplexer runs over —
// satisfied by a *pkg/link.Link or any io.ReadWriteCloser, e.g. in
// tests.
type Link interface {
	io.Reader
	io.Writer
	io.Closer
}

// Demultiplexer maps fiber ids to Fibers and muxes/demuxes their frames
// over a single Link. The fiber table, listener table and throttle
// counters are guarded by mu; pending connect waiters have their own
// mutex.
type Demultiplexer struct {
	link Link
	log  *logrus.Entry

	mu            sync.Mutex
	fibers        map[ID]*Fiber
	listeners     map[Port]*queue.Queue[*Fiber] // accept() queues, keyed by local listening port
	closed        bool
	nextEphemeral Port

	writeSched *fairWriter

	recvBufBytes int // approximate bytes buffered across all fibers, for watermark accounting
	pullPaused   bool

	connectWaitersMu sync.Mutex
	connectWaiters   map[ID]chan struct{}

	teardown chan struct{}
	onError  func(error)
	clock    clockwork.Clock
}

// NewDemultiplexer wraps link, starting its receive pull loop and fair
// write scheduler immediately. onError, if non-nil, is invoked once
// when the link fails; every fiber is then moved to closed.
func NewDemultiplexer(link Link, log *logrus.Entry, onError func(error)) *Demultiplexer {
	return newDemultiplexerWithClock(link, log, onError, clockwork.NewRealClock())
}

// newDemultiplexerWithClock is NewDemultiplexer with an injectable
// clock, so tests can drive the highWater/lowWater throttle poll
// deterministically instead of sleeping on a real timer.
func newDemultiplexerWithClock(link Link, log *logrus.Entry, onError func(error), clock clockwork.Clock) *Demultiplexer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Demultiplexer{
		link:          link,
		log:           log,
		fibers:        make(map[ID]*Fiber),
		listeners:     make(map[Port]*queue.Queue[*Fiber]),
		teardown:      make(chan struct{}),
		onError:       onError,
		clock:         clock,
		nextEphemeral: 1023,
	}
	d.writeSched = newFairWriter(d)
	go d.pullLoop()
	go d.writeSched.run()
	return d
}

// Open creates a fiber in the closed state, not yet bound to a port.
func (d *Demultiplexer) Open() *Fiber {
	return newFiber(d, ID{}, StateClosed)
}

// Bind assigns the fiber's local port. Fails address_in_use if another
// fiber already owns that local port.
func (d *Demultiplexer) Bind(f *Fiber, local Port) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.fibers {
		if id.Local == local {
			return sferr.New(sferr.CodeAddressInUse, "port %d already bound", local)
		}
	}
	f.mu.Lock()
	f.id.Local = local
	f.mu.Unlock()
	d.fibers[f.id] = f
	return nil
}

// Listen marks a bound fiber as listening and registers an accept queue
// for its local port.
func (d *Demultiplexer) Listen(f *Fiber) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.listeners[f.id.Local]; exists {
		return sferr.New(sferr.CodeAddressInUse, "port %d already listening", f.id.Local)
	}
	f.mu.Lock()
	f.state = StateListening
	f.mu.Unlock()
	d.listeners[f.id.Local] = queue.New[*Fiber](0, 0)
	return nil
}

// Accept waits for an inbound SYN on the given listening fiber's port
// and returns the newly established peer fiber.
func (d *Demultiplexer) Accept(ctx context.Context, listenPort Port) (*Fiber, error) {
	d.mu.Lock()
	q, ok := d.listeners[listenPort]
	d.mu.Unlock()
	if !ok {
		return nil, sferr.New(sferr.CodeNotConnected, "no listener on port %d", listenPort)
	}
	return q.Get(ctx)
}

// Connect performs the SYN/ACK handshake from this fiber to remote,
// resolving to established or failing not_connected. A fiber that was
// never bound gets an ephemeral local port, so concurrent connections
// to the same remote port stay distinguishable on the wire.
func (d *Demultiplexer) Connect(ctx context.Context, f *Fiber, remote Port) error {
	d.mu.Lock()
	f.mu.Lock()
	if f.id.Local == 0 {
		f.id.Local = d.ephemeralLocked()
	}
	f.id.Remote = remote
	f.state = StateConnecting
	ackCh := make(chan struct{})
	id := f.id
	f.mu.Unlock()
	// Bind registered the fiber under {Local, 0}; re-key it under the
	// full pair so the stale entry doesn't hold the port hostage.
	delete(d.fibers, ID{Local: id.Local})
	d.fibers[id] = f
	d.mu.Unlock()

	d.connectWaitersMu.Lock()
	if d.connectWaiters == nil {
		d.connectWaiters = make(map[ID]chan struct{})
	}
	d.connectWaiters[id] = ackCh
	d.connectWaitersMu.Unlock()

	d.sendControl(id, ReasonSyn, nil)

	select {
	case <-ackCh:
		f.mu.Lock()
		f.state = StateEstablished
		f.mu.Unlock()
		return nil
	case <-ctx.Done():
		d.remove(id)
		return sferr.New(sferr.CodeNotConnected, "connect to port %d canceled", remote)
	case <-d.teardown:
		return sferr.New(sferr.CodeNotConnected, "demultiplexer torn down")
	}
}

// ephemeralLocked picks an unused local port from the user range for a
// fiber connecting without an explicit Bind. Caller holds d.mu.
func (d *Demultiplexer) ephemeralLocked() Port {
	for {
		d.nextEphemeral++
		if d.nextEphemeral == 0 || d.nextEphemeral >= WellKnownPortBase {
			d.nextEphemeral = 1024
		}
		candidate := d.nextEphemeral
		inUse := false
		for id := range d.fibers {
			if id.Local == candidate {
				inUse = true
				break
			}
		}
		if !inUse {
			return candidate
		}
	}
}

// consumed decrements the aggregate buffered byte count as a fiber's
// reader drains bytes, letting a paused pull loop resume below
// lowWater.
func (d *Demultiplexer) consumed(n int) {
	d.mu.Lock()
	d.recvBufBytes -= n
	if d.recvBufBytes < 0 {
		d.recvBufBytes = 0
	}
	d.mu.Unlock()
}

func (d *Demultiplexer) remove(id ID) {
	d.mu.Lock()
	delete(d.fibers, id)
	d.mu.Unlock()
}

// sendControl frames and enqueues a control datagram via the fair
// writer, addressed using this side's (Local, Remote) view.
func (d *Demultiplexer) sendControl(id ID, reason ControlReason, payload []byte) {
	d.writeSched.enqueue(Datagram{
		Protocol: ProtocolControl,
		Left:     id.Remote,
		Right:    id.Local,
		Reason:   reason,
		Payload:  payload,
	})
}

func (d *Demultiplexer) sendWindowUpdate(id ID, credit int) {
	payload := make([]byte, 4)
	payload[0] = byte(credit)
	payload[1] = byte(credit >> 8)
	payload[2] = byte(credit >> 16)
	payload[3] = byte(credit >> 24)
	d.sendControl(id, ReasonWindowUpdate, payload)
}

// Done is closed when the demultiplexer tears down, either by Close or
// by a link failure.
func (d *Demultiplexer) Done() <-chan struct{} {
	return d.teardown
}

// Close tears down every fiber and the underlying link.
func (d *Demultiplexer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	fibers := make([]*Fiber, 0, len(d.fibers))
	for _, f := range d.fibers {
		fibers = append(fibers, f)
	}
	d.mu.Unlock()

	close(d.teardown)
	for _, f := range fibers {
		f.Close()
	}
	d.writeSched.close()
	return d.link.Close()
}
