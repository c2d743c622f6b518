package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"aircast/pkg/protocol"
	"aircast/pkg/transport"
)

// gatedChannel blocks every Send until the test releases the gate, recording
// the order messages went out.
type gatedChannel struct {
	gate chan struct{}

	mu   sync.Mutex
	sent []protocol.MsgType
}

func (g *gatedChannel) Send(m protocol.Message) error {
	<-g.gate
	g.mu.Lock()
	g.sent = append(g.sent, m.Type)
	g.mu.Unlock()
	return nil
}

func (g *gatedChannel) Recv() (protocol.Message, error) { select {} }
func (g *gatedChannel) Kind() transport.Kind            { return transport.KindMem }
func (g *gatedChannel) LocalAddr() net.Addr             { return nil }
func (g *gatedChannel) RemoteAddr() net.Addr            { return nil }
func (g *gatedChannel) Quality() transport.Quality      { return transport.Quality{} }
func (g *gatedChannel) Close() error                    { return nil }

func (g *gatedChannel) sentTypes() []protocol.MsgType {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]protocol.MsgType, len(g.sent))
	copy(out, g.sent)
	return out
}

func waitSent(t *testing.T, g *gatedChannel, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(g.sentTypes()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("only %d of %d messages sent", len(g.sentTypes()), n)
}

func TestOutQueuePriority(t *testing.T) {
	g := &gatedChannel{gate: make(chan struct{})}
	errs := make(chan error, 1)
	o := newOutQueue(g, errs)
	defer o.Close()

	// First message occupies the writer, blocked in Send.
	o.Push(classBackground, protocol.Message{Type: protocol.MsgPing})
	time.Sleep(10 * time.Millisecond)

	// Queued while the writer is busy; input must jump ahead of control.
	o.Push(classControl, protocol.Message{Type: protocol.MsgNack})
	o.Push(classInput, protocol.Message{Type: protocol.MsgInputEvent})

	for i := 0; i < 3; i++ {
		g.gate <- struct{}{}
	}
	waitSent(t, g, 3)

	want := []protocol.MsgType{protocol.MsgPing, protocol.MsgInputEvent, protocol.MsgNack}
	got := g.sentTypes()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("send order %v, want %v", got, want)
		}
	}
}

func TestOutQueuePushAfterClose(t *testing.T) {
	g := &gatedChannel{gate: make(chan struct{})}
	o := newOutQueue(g, make(chan error, 1))
	o.Close()
	o.Push(classInput, protocol.Message{Type: protocol.MsgInputEvent})

	time.Sleep(20 * time.Millisecond)
	if n := len(g.sentTypes()); n != 0 {
		t.Fatalf("expected no sends after close, got %d", n)
	}
}

// failingChannel reports an error on first send.
type failingChannel struct{ gatedChannel }

func (f *failingChannel) Send(protocol.Message) error { return errFailSend }

var errFailSend = &net.OpError{Op: "write", Err: net.ErrClosed}

func TestOutQueueReportsSendError(t *testing.T) {
	errs := make(chan error, 1)
	o := newOutQueue(&failingChannel{}, errs)
	defer o.Close()

	o.Push(classInput, protocol.Message{Type: protocol.MsgInputEvent})
	select {
	case err := <-errs:
		if err != errFailSend {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("send error never surfaced")
	}
}
