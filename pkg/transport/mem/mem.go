// Package mem provides an in-process channel pair over net.Pipe and buffered
// datagram queues. Used by tests and as a stand-in link when both ends live
// in one process.
package mem

import (
	"errors"
	"net"
	"sync"

	"aircast/pkg/transport"
)

// Options tunes the simulated link.
type Options struct {
	// QueueLen is the datagram buffer per direction (default 64).
	QueueLen int
	// Drop, when set, is consulted per outgoing datagram; returning true
	// drops it. Lets tests simulate loss deterministically.
	Drop func(b []byte) bool
}

// NewPair returns the client-side and host-side channel pairs of one
// simulated link.
func NewPair(opts Options) (client, host *transport.ChannelPair) {
	if opts.QueueLen <= 0 {
		opts.QueueLen = 64
	}
	c1, c2 := net.Pipe()
	aToB := make(chan []byte, opts.QueueLen)
	bToA := make(chan []byte, opts.QueueLen)
	client = &transport.ChannelPair{
		Control: transport.NewStreamChannel(c1, transport.KindMem),
		Media:   &datagramChannel{tx: aToB, rx: bToA, drop: opts.Drop, closed: make(chan struct{})},
		Link:    transport.KindMem,
	}
	host = &transport.ChannelPair{
		Control: transport.NewStreamChannel(c2, transport.KindMem),
		Media:   &datagramChannel{tx: bToA, rx: aToB, drop: opts.Drop, closed: make(chan struct{})},
		Link:    transport.KindMem,
	}
	return client, host
}

type datagramChannel struct {
	tx, rx    chan []byte
	drop      func([]byte) bool
	closeOnce sync.Once
	closed    chan struct{}
}

func (d *datagramChannel) Kind() transport.Kind { return transport.KindMem }

// SendDatagram never blocks: a full queue behaves like network loss.
func (d *datagramChannel) SendDatagram(b []byte) error {
	select {
	case <-d.closed:
		return errors.New("mem: datagram channel closed")
	default:
	}
	if d.drop != nil && d.drop(b) {
		return nil
	}
	pkt := make([]byte, len(b))
	copy(pkt, b)
	select {
	case d.tx <- pkt:
	default:
	}
	return nil
}

func (d *datagramChannel) RecvDatagram() ([]byte, error) {
	select {
	case <-d.closed:
		return nil, errors.New("mem: datagram channel closed")
	case pkt := <-d.rx:
		return pkt, nil
	}
}

func (d *datagramChannel) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}
