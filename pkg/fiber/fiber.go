package fiber

import (
	"bytes"
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/queue"
)

// defaultWindow is the initial flow-control credit granted on each side
// of a freshly established fiber, advertised to the peer as its send
// budget.
const defaultWindow = 64 * 1024

// pendingOp is a blocked Read or Write waiting for data or credit.
type pendingOp struct {
	n    int
	buf  []byte
	err  error
	done chan struct{}
}

// Fiber is one reliable, flow-controlled, in-order byte stream keyed by
// an ID within a Demultiplexer.
//
// A Fiber holds a back-reference to its owning Demultiplexer so it can
// emit frames and de-register itself on close. The back-reference is a
// plain pointer; removing the fiber from the demux's table on Close is
// enough to let both sides be collected once the holder drops its
// handle.
type Fiber struct {
	mu    sync.Mutex
	id    ID
	demux *Demultiplexer
	log   *logrus.Entry

	state State

	recvBuf    bytes.Buffer
	recvWaiter *pendingOp
	recvWindow int // credits we have left to advertise before pausing peer

	sendOut    *queue.Queue[[]byte] // chunks awaiting the demux's fair writer
	sendWindow int                  // credits the peer has granted us
	sendWaitCh chan struct{}        // broadcast-by-replace when sendWindow grows
	finQueued  bool                 // FIN waiting for sendOut to drain

	closedCh chan struct{}
}

func newFiber(demux *Demultiplexer, id ID, state State) *Fiber {
	return &Fiber{
		id:         id,
		demux:      demux,
		log:        demux.log.WithField("fiber", id.String()),
		state:      state,
		recvWindow: defaultWindow,
		sendOut:    queue.New[[]byte](0, 0),
		sendWindow: defaultWindow,
		sendWaitCh: make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
}

// ID returns the fiber's local/remote port pair.
func (f *Fiber) ID() ID {
	return f.id
}

// State returns the fiber's current state.
func (f *Fiber) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Read implements async_read_some: it returns as soon as at least one
// byte is available, is closed, or ctx is done. It never blocks a
// worker thread indefinitely — every suspension is a channel receive.
func (f *Fiber) Read(ctx context.Context, buf []byte) (int, error) {
	f.mu.Lock()
	if n, err, ok := f.tryReadLocked(buf); ok {
		f.mu.Unlock()
		return n, err
	}
	op := &pendingOp{buf: buf, done: make(chan struct{})}
	f.recvWaiter = op
	f.mu.Unlock()

	select {
	case <-op.done:
		return op.n, op.err
	case <-ctx.Done():
		return 0, sferr.Wrap(sferr.CodeOperationCanceled, ctx.Err())
	case <-f.closedCh:
		return 0, sferr.New(sferr.CodeOperationCanceled, "fiber closed")
	}
}

// tryReadLocked attempts to satisfy a read from buffered bytes without
// suspending. ok is false when the caller must enqueue a pending op.
func (f *Fiber) tryReadLocked(buf []byte) (n int, err error, ok bool) {
	if f.recvBuf.Len() > 0 {
		n, _ = f.recvBuf.Read(buf)
		f.grantCreditLocked(n)
		return n, nil, true
	}
	if !f.state.canRead() {
		return 0, sferr.New(sferr.CodeBrokenPipe, "fiber %s not readable in state %s", f.id, f.state), true
	}
	return 0, nil, false
}

// deliver is called by the Demultiplexer's dispatch loop when a data
// frame arrives for this fiber. It is always posted from the dispatch
// goroutine, never invoked from within a user Read/Write call, so a
// completion here is never inline with the operation that submitted it.
func (f *Fiber) deliver(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recvWaiter != nil {
		op := f.recvWaiter
		f.recvWaiter = nil
		n := copy(op.buf, payload)
		if n < len(payload) {
			f.recvBuf.Write(payload[n:])
		}
		f.grantCreditLocked(n)
		op.n, op.err = n, nil
		close(op.done)
		return
	}
	f.recvBuf.Write(payload)
}

// grantCreditLocked replenishes the advertised receive window as bytes
// are consumed and emits a WindowUpdate control frame once enough
// credit has accumulated, so the peer's writer unblocks.
func (f *Fiber) grantCreditLocked(consumed int) {
	if consumed <= 0 {
		return
	}
	f.recvWindow += consumed
	f.demux.consumed(consumed)
	if f.recvWindow >= defaultWindow/2 {
		update := f.recvWindow
		f.recvWindow = 0
		go f.demux.sendWindowUpdate(f.id, update)
	}
}

// applyWindowUpdate is called by the dispatch loop on an inbound
// WindowUpdate control frame: it grows our send credit and wakes any
// blocked Write.
func (f *Fiber) applyWindowUpdate(credit int) {
	f.mu.Lock()
	f.sendWindow += credit
	ch := f.sendWaitCh
	f.sendWaitCh = make(chan struct{})
	f.mu.Unlock()
	close(ch)
}

// Write implements async_write_some: it blocks only on flow-control
// credit, never on the link itself — the demux's fair writer drains
// sendOut independently.
func (f *Fiber) Write(ctx context.Context, buf []byte) (int, error) {
	f.mu.Lock()
	if !f.state.canWrite() {
		f.mu.Unlock()
		return 0, sferr.New(sferr.CodeBrokenPipe, "fiber %s not writable in state %s", f.id, f.state)
	}
	for f.sendWindow <= 0 {
		waitCh := f.sendWaitCh
		f.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return 0, sferr.Wrap(sferr.CodeOperationCanceled, ctx.Err())
		case <-f.closedCh:
			return 0, sferr.New(sferr.CodeOperationCanceled, "fiber closed")
		}
		f.mu.Lock()
		if !f.state.canWrite() {
			f.mu.Unlock()
			return 0, sferr.New(sferr.CodeBrokenPipe, "fiber %s not writable in state %s", f.id, f.state)
		}
	}
	n := len(buf)
	if n > f.sendWindow {
		n = f.sendWindow
	}
	if n > DefaultMTU {
		n = DefaultMTU
	}
	f.sendWindow -= n
	f.mu.Unlock()

	chunk := append([]byte(nil), buf[:n]...)
	if err := f.sendOut.Push(ctx, chunk); err != nil {
		return 0, err
	}
	f.demux.writeSched.notifyPending(f)
	return n, nil
}

// Shutdown half-closes the fiber in the given direction, sending a FIN
// control frame when the write side closes.
func (f *Fiber) Shutdown(dir ShutdownDirection) error {
	f.mu.Lock()
	switch dir {
	case ShutdownWrite:
		if f.state == StateEstablished {
			f.state = StateHalfClosedLocal
		} else if f.state == StateHalfClosedRemote {
			f.state = StateClosed
		}
	case ShutdownRead, ShutdownBoth:
		if f.state == StateEstablished {
			f.state = StateHalfClosedRemote
		} else if f.state == StateHalfClosedLocal {
			f.state = StateClosed
		}
	}
	closing := f.state == StateClosed
	if dir != ShutdownRead {
		f.finQueued = true
	}
	f.mu.Unlock()

	if dir != ShutdownRead {
		// The FIN goes out through the fair writer behind any queued
		// data, so it never overtakes bytes written before Shutdown.
		f.demux.writeSched.notifyPending(f)
	}
	if closing {
		f.Close()
	}
	return nil
}

// takeFin reports and clears a queued FIN; the fair writer calls it
// only once the fiber's data queue has drained.
func (f *Fiber) takeFin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.finQueued {
		return false
	}
	f.finQueued = false
	return true
}

func (f *Fiber) finPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finQueued
}

// onPeerFin handles an inbound FIN: moves local state toward closed and
// fails the pending read, if any, by delivering EOF semantics (an empty
// read completing with broken_pipe once the buffer drains).
func (f *Fiber) onPeerFin() {
	f.mu.Lock()
	switch f.state {
	case StateEstablished:
		f.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		f.state = StateClosed
	}
	waiter := f.recvWaiter
	f.recvWaiter = nil
	closing := f.state == StateClosed
	f.mu.Unlock()

	if waiter != nil {
		waiter.n, waiter.err = 0, sferr.New(sferr.CodeBrokenPipe, "fiber %s half-closed by peer", f.id)
		close(waiter.done)
	}
	if closing {
		f.Close()
	}
}

// Close tears the fiber down immediately: every pending op fails
// operation_canceled and the fiber is removed from its demultiplexer.
func (f *Fiber) Close() error {
	f.mu.Lock()
	if f.closedAlready() {
		f.mu.Unlock()
		return nil
	}
	f.state = StateClosed
	waiter := f.recvWaiter
	f.recvWaiter = nil
	close(f.closedCh)
	f.mu.Unlock()

	if waiter != nil {
		waiter.n, waiter.err = 0, sferr.New(sferr.CodeOperationCanceled, "fiber closed")
		close(waiter.done)
	}
	f.sendOut.Close()
	f.demux.remove(f.id)
	return nil
}

func (f *Fiber) closedAlready() bool {
	select {
	case <-f.closedCh:
		return true
	default:
		return false
	}
}
