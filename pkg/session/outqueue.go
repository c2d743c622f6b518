package session

import (
	"sync"

	"aircast/pkg/protocol"
	"aircast/pkg/transport"
)

// sendClass orders outbound reliable-channel traffic. Input events rank
// above everything else so pointer latency never waits on a backlog; pings
// yield to both input and control.
type sendClass int

const (
	classInput sendClass = iota // pointer/key/scroll events
	classControl                // handshake, nack, disconnect
	classBackground             // ping
	numClasses
)

// Per-class backlog caps. Input drops oldest (a stale pointer move is
// worthless); background drops newest.
var classCap = [numClasses]int{256, 64, 4}

// outQueue serializes all writes to one reliable channel through a single
// writer goroutine, strict priority between classes, FIFO within one.
type outQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      [numClasses][]protocol.Message
	closed bool

	ch   transport.ReliableChannel
	errs chan<- error
}

// newOutQueue starts the writer goroutine. Send failures are reported once
// on errs and the queue stops.
func newOutQueue(ch transport.ReliableChannel, errs chan<- error) *outQueue {
	o := &outQueue{ch: ch, errs: errs}
	o.cond = sync.NewCond(&o.mu)
	go o.writeLoop()
	return o
}

// Push enqueues a message. Never blocks; over-cap classes shed load instead.
func (o *outQueue) Push(cls sendClass, m protocol.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	q := o.q[cls]
	if len(q) >= classCap[cls] {
		if cls == classInput {
			copy(q, q[1:])
			q = q[:len(q)-1]
		} else {
			return
		}
	}
	o.q[cls] = append(q, m)
	o.cond.Signal()
}

// Close stops the writer. Queued messages are discarded; the channel itself
// is closed by the session teardown, not here.
func (o *outQueue) Close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *outQueue) writeLoop() {
	for {
		m, ok := o.pop()
		if !ok {
			return
		}
		if err := o.ch.Send(m); err != nil {
			select {
			case o.errs <- err:
			default:
			}
			return
		}
	}
}

// pop blocks until a message is available or the queue closes.
func (o *outQueue) pop() (protocol.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		for cls := sendClass(0); cls < numClasses; cls++ {
			if len(o.q[cls]) > 0 {
				m := o.q[cls][0]
				o.q[cls] = o.q[cls][1:]
				return m, true
			}
		}
		if o.closed {
			return protocol.Message{}, false
		}
		o.cond.Wait()
	}
}
