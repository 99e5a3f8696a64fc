package fiber

import (
	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
)

// pullLoop continuously reads datagrams from the link and dispatches
// them, pausing when the aggregate buffered-but-unread byte count
// crosses highWater and resuming below lowWater. The aggregate byte
// count is updated under the Demultiplexer's mutex and each fiber's
// buffer and pending read under that fiber's own mutex; the link is
// read only from this goroutine, so there is never a concurrent read
// from the link.
func (d *Demultiplexer) pullLoop() {
	for {
		dg, err := ReadDatagram(d.link)
		if err != nil {
			d.fail(err)
			return
		}
		d.dispatch(dg)
		d.maybeThrottle()
	}
}

// maybeThrottle blocks the pull loop itself once the aggregate
// buffered byte count across fibers crosses highWater, and keeps it
// paused until a consumer has drained it below lowWater. The gate is a
// simple polling channel rather than a dedicated condvar so it
// composes with teardown without a separate select arm per fiber.
func (d *Demultiplexer) maybeThrottle() {
	for {
		d.mu.Lock()
		if d.pullPaused {
			if d.recvBufBytes < lowWater {
				d.pullPaused = false
			}
		} else if d.recvBufBytes > highWater {
			d.pullPaused = true
		}
		paused := d.pullPaused
		d.mu.Unlock()
		if !paused {
			return
		}
		select {
		case <-d.teardown:
			return
		case <-afterShortDelay(d.clock):
		}
	}
}

func (d *Demultiplexer) dispatch(dg Datagram) {
	id := dg.ID()
	switch dg.Protocol {
	case ProtocolControl:
		d.dispatchControl(id, dg)
	case ProtocolData:
		d.mu.Lock()
		f, ok := d.fibers[id]
		d.mu.Unlock()
		if !ok {
			return
		}
		d.mu.Lock()
		d.recvBufBytes += len(dg.Payload)
		d.mu.Unlock()
		f.deliver(dg.Payload)
	}
}

func (d *Demultiplexer) dispatchControl(id ID, dg Datagram) {
	switch dg.Reason {
	case ReasonSyn:
		d.handleSyn(id)
	case ReasonSynAck, ReasonAck:
		d.handleAck(id)
	case ReasonFin:
		d.mu.Lock()
		f, ok := d.fibers[id]
		d.mu.Unlock()
		if ok {
			f.onPeerFin()
		}
	case ReasonReset:
		d.mu.Lock()
		f, ok := d.fibers[id]
		d.mu.Unlock()
		if ok {
			f.Close()
		}
	case ReasonWindowUpdate:
		d.mu.Lock()
		f, ok := d.fibers[id]
		d.mu.Unlock()
		if ok && len(dg.Payload) >= 4 {
			credit := int(dg.Payload[0]) | int(dg.Payload[1])<<8 | int(dg.Payload[2])<<16 | int(dg.Payload[3])<<24
			f.applyWindowUpdate(credit)
		}
	}
}

// handleSyn accepts an inbound connection for a listening port,
// establishing a new fiber and handing it to the listener's accept
// queue.
func (d *Demultiplexer) handleSyn(id ID) {
	d.mu.Lock()
	q, ok := d.listeners[id.Local]
	d.mu.Unlock()
	if !ok {
		d.sendControl(id, ReasonReset, nil)
		return
	}
	f := newFiber(d, id, StateEstablished)
	d.mu.Lock()
	d.fibers[id] = f
	d.mu.Unlock()

	if err := q.TryPush(f); err != nil {
		f.Close()
		d.sendControl(id, ReasonReset, nil)
		return
	}
	d.sendControl(id, ReasonSynAck, nil)
}

func (d *Demultiplexer) handleAck(id ID) {
	d.connectWaitersMu.Lock()
	ch, ok := d.connectWaiters[id]
	if ok {
		delete(d.connectWaiters, id)
	}
	d.connectWaitersMu.Unlock()
	if ok {
		close(ch)
	}
}

// fail propagates a link-level failure to every fiber: every fiber is
// closed, so each outstanding operation fails operation_canceled rather
// than with the link's own error, and onError receives the link error
// wrapped as broken_pipe.
func (d *Demultiplexer) fail(err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	fibers := make([]*Fiber, 0, len(d.fibers))
	for _, f := range d.fibers {
		fibers = append(fibers, f)
	}
	d.mu.Unlock()

	for _, f := range fibers {
		f.Close()
	}
	if d.onError != nil {
		d.onError(sferr.Wrap(sferr.CodeBrokenPipe, err))
	}
	d.Close()
}
