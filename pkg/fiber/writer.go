package fiber

import (
	"sync"
)

// fairWriter serializes all outbound datagrams onto the link through a
// single goroutine (the per-link write strand),
// round-robining across fibers with pending data so no fiber is starved
// indefinitely. Control frames (small, latency-sensitive) bypass the
// round robin and are written as soon as the strand is free.
type fairWriter struct {
	d *Demultiplexer

	mu      sync.Mutex
	control []Datagram
	pending []*Fiber // fibers with queued data, in round-robin order
	inQueue map[ID]bool

	wake chan struct{}
	done chan struct{}
}

func newFairWriter(d *Demultiplexer) *fairWriter {
	return &fairWriter{
		d:       d,
		inQueue: make(map[ID]bool),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (w *fairWriter) enqueue(dg Datagram) {
	w.mu.Lock()
	w.control = append(w.control, dg)
	w.mu.Unlock()
	w.nudge()
}

// notifyPending registers f as having data queued in its sendOut
// queue, if not already registered.
func (w *fairWriter) notifyPending(f *Fiber) {
	w.mu.Lock()
	if !w.inQueue[f.id] {
		w.inQueue[f.id] = true
		w.pending = append(w.pending, f)
	}
	w.mu.Unlock()
	w.nudge()
}

func (w *fairWriter) nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *fairWriter) close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *fairWriter) run() {
	for {
		select {
		case <-w.done:
			return
		default:
		}
		if w.writeOneControl() {
			continue
		}
		if w.writeOneDataChunk() {
			continue
		}
		select {
		case <-w.wake:
		case <-w.done:
			return
		}
	}
}

func (w *fairWriter) writeOneControl() bool {
	w.mu.Lock()
	if len(w.control) == 0 {
		w.mu.Unlock()
		return false
	}
	dg := w.control[0]
	w.control = w.control[1:]
	w.mu.Unlock()

	dg.WriteTo(w.d.link)
	return true
}

// writeOneDataChunk pops the next pending fiber round-robin-style and
// writes one chunk of its queued data, re-enqueueing the fiber at the
// back if it still has more buffered.
func (w *fairWriter) writeOneDataChunk() bool {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return false
	}
	f := w.pending[0]
	w.pending = w.pending[1:]
	delete(w.inQueue, f.id)
	w.mu.Unlock()

	chunk, err := f.sendOut.TryGet()
	if err != nil {
		// Nothing buffered: a queued FIN may now go out without
		// overtaking any data frame.
		if f.takeFin() {
			fin := Datagram{Protocol: ProtocolControl, Left: f.id.Remote, Right: f.id.Local, Reason: ReasonFin}
			fin.WriteTo(w.d.link)
		}
		return true
	}
	dg := Datagram{Protocol: ProtocolData, Left: f.id.Remote, Right: f.id.Local, Payload: chunk}
	dg.WriteTo(w.d.link)

	if !f.sendOut.Empty() || f.finPending() {
		w.notifyPending(f)
	}
	return true
}
