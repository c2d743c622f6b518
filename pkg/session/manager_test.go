package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"aircast/pkg/discovery"
	"aircast/pkg/handshake"
	"aircast/pkg/protocol"
	"aircast/pkg/transport"
	"aircast/pkg/transport/mem"
)

// fakeOpener hands out prepared channel pairs, one per attempt.
type fakeOpener struct {
	mu    sync.Mutex
	pairs []*transport.ChannelPair
	err   error
	n     int
}

func (f *fakeOpener) Open(ctx context.Context, peer discovery.PeerDescriptor, inputOnly bool) (*transport.ChannelPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pairs) == 0 {
		return nil, errors.New("no link available")
	}
	p := f.pairs[0]
	f.pairs = f.pairs[1:]
	return p, nil
}

func (f *fakeOpener) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// startHost drives the far end of a channel pair like a streaming host:
// verify the handshake, answer pings, surface everything else to the test.
func startHost(pair *transport.ChannelPair, secret string) chan protocol.Message {
	got := make(chan protocol.Message, 32)
	go func() {
		for {
			m, err := pair.Control.Recv()
			if err != nil || m.Type == protocol.MsgDisconnect {
				return
			}
			switch m.Type {
			case protocol.MsgHandshake:
				req, err := handshake.DecodeRequest(m.Payload)
				var ack handshake.Ack
				if err != nil || handshake.Verify(req, secret) != nil {
					ack = handshake.Reject("bad secret")
				} else {
					ack = handshake.Negotiate(req, handshake.Limits{
						MaxWidth: 1920, MaxHeight: 1080, MaxRate: 60, BitrateKbps: 8000,
					})
				}
				am, _ := ack.Encode()
				_ = pair.Control.Send(am)
			case protocol.MsgPing:
				_ = pair.Control.Send(protocol.Message{Type: protocol.MsgPong})
			default:
				got <- m
			}
		}
	}()
	return got
}

func waitEvent(t *testing.T, mgr *Manager, what string, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-mgr.Events():
			if pred(e) {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func newTestManager(t *testing.T, cfg Config, op Opener) *Manager {
	t.Helper()
	store := discovery.NewStore(time.Minute)
	t.Cleanup(store.Close)
	mgr := New(cfg, op, store)
	mgr.Start(context.Background())
	t.Cleanup(mgr.Stop)
	return mgr
}

func TestHandshakeThenStreaming(t *testing.T) {
	client, hostPair := mem.NewPair(mem.Options{})
	hostMsgs := startHost(hostPair, "s3cret")
	mgr := newTestManager(t, Config{}, &fakeOpener{pairs: []*transport.ChannelPair{client}})

	mgr.Connect(discovery.PeerDescriptor{ID: "host-1", Name: "Office"}, handshake.Capabilities{Video: true}, "s3cret")

	ev := waitEvent(t, mgr, "negotiated ack", func(e Event) bool {
		return e.Kind == EventState && e.State == StateConnected && e.Status == "negotiated"
	})
	if ev.Ack.Width != 1920 || ev.Ack.Height != 1080 || ev.Ack.FrameRate != 60 {
		t.Fatalf("unexpected negotiated parameters: %#v", ev.Ack)
	}

	// Input flows to the host once connected.
	in := protocol.InputEvent{X: 0.5, Y: 0.5, Phase: 1, TsMs: 1}
	if err := mgr.SendInput(in); err != nil {
		t.Fatalf("send input: %v", err)
	}
	select {
	case m := <-hostMsgs:
		if m.Type != protocol.MsgInputEvent {
			t.Fatalf("unexpected host message %v", m.Type)
		}
		var out protocol.InputEvent
		if err := protocol.UnmarshalBody(m.Payload, &out); err != nil || out != in {
			t.Fatalf("input event mangled: %#v err=%v", out, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("input event never reached host")
	}

	// A chunked frame over the media channel reaches the consumer and moves
	// the session to streaming.
	payload := bytes.Repeat([]byte{0x42}, 3000)
	dgs, err := protocol.SplitFrame(1, payload, 1200)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	for _, d := range dgs {
		if err := hostPair.Media.SendDatagram(d); err != nil {
			t.Fatalf("send datagram: %v", err)
		}
	}
	fe := waitEvent(t, mgr, "media frame", func(e Event) bool { return e.Kind == EventMediaFrame })
	if !bytes.Equal(fe.Frame, payload) {
		t.Fatalf("frame payload differs: %d bytes", len(fe.Frame))
	}
	if mgr.State() != StateStreaming {
		t.Fatalf("expected streaming state, got %v", mgr.State())
	}
}

func TestPairingRejectionIsTerminal(t *testing.T) {
	client, hostPair := mem.NewPair(mem.Options{})
	startHost(hostPair, "right-secret")
	op := &fakeOpener{pairs: []*transport.ChannelPair{client}}
	mgr := newTestManager(t, Config{ReconnectBaseDelay: time.Millisecond}, op)

	mgr.Connect(discovery.PeerDescriptor{ID: "host-1"}, handshake.Capabilities{}, "wrong-secret")

	ev := waitEvent(t, mgr, "auth failure", func(e Event) bool {
		return e.Kind == EventState && e.State == StateFailed
	})
	if !errors.Is(ev.Err, handshake.ErrBadSecret) {
		t.Fatalf("expected ErrBadSecret, got %v", ev.Err)
	}

	// No reconnect attempt is burned on an auth failure.
	time.Sleep(100 * time.Millisecond)
	if mgr.State() != StateFailed {
		t.Fatalf("auth failure should be terminal, state %v", mgr.State())
	}
	if op.calls() != 1 {
		t.Fatalf("expected no retry after rejection, opener called %d times", op.calls())
	}
}

func TestEmptySecretFailsBeforeHandshake(t *testing.T) {
	client, hostPair := mem.NewPair(mem.Options{})
	startHost(hostPair, "secret")
	mgr := newTestManager(t, Config{}, &fakeOpener{pairs: []*transport.ChannelPair{client}})

	mgr.Connect(discovery.PeerDescriptor{ID: "host-1"}, handshake.Capabilities{}, "")

	ev := waitEvent(t, mgr, "auth failure", func(e Event) bool {
		return e.Kind == EventState && e.State == StateFailed
	})
	if !errors.Is(ev.Err, handshake.ErrBadSecret) {
		t.Fatalf("expected ErrBadSecret, got %v", ev.Err)
	}
}

func TestHostGoodbyeEndsSessionWithoutRetry(t *testing.T) {
	client, hostPair := mem.NewPair(mem.Options{})
	startHost(hostPair, "secret")
	op := &fakeOpener{pairs: []*transport.ChannelPair{client}}
	mgr := newTestManager(t, Config{ReconnectBaseDelay: time.Millisecond}, op)

	mgr.Connect(discovery.PeerDescriptor{ID: "host-1"}, handshake.Capabilities{Video: true}, "secret")
	waitEvent(t, mgr, "connected", func(e Event) bool {
		return e.Kind == EventState && e.State == StateConnected
	})

	bye, err := protocol.EncodeEvent(protocol.MsgDisconnect, protocol.DisconnectInfo{Reason: "screen locked"})
	if err != nil {
		t.Fatalf("encode goodbye: %v", err)
	}
	if err := hostPair.Control.Send(bye); err != nil {
		t.Fatalf("send goodbye: %v", err)
	}

	ev := waitEvent(t, mgr, "orderly end", func(e Event) bool {
		return e.Kind == EventState && e.State == StateIdle
	})
	if !strings.Contains(ev.Status, "screen locked") {
		t.Fatalf("goodbye reason lost: %q", ev.Status)
	}
	time.Sleep(50 * time.Millisecond)
	if op.calls() != 1 {
		t.Fatalf("goodbye must not trigger reconnect, opener called %d times", op.calls())
	}
}

func TestReconnectBackoffGivesUp(t *testing.T) {
	op := &fakeOpener{err: errors.New("unreachable")}
	mgr := newTestManager(t, Config{
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
	}, op)

	mgr.Connect(discovery.PeerDescriptor{ID: "host-1"}, handshake.Capabilities{}, "secret")

	waitEvent(t, mgr, "retry scheduled", func(e Event) bool {
		return e.Kind == EventState && e.State == StateFailed && strings.Contains(e.Status, "reconnecting")
	})
	waitEvent(t, mgr, "give up", func(e Event) bool {
		return e.Kind == EventState && e.State == StateIdle && strings.Contains(e.Status, "gave up")
	})
	if op.calls() != 3 { // initial attempt + 2 retries
		t.Fatalf("expected 3 attempts, got %d", op.calls())
	}
}

func TestConnectWhileBoundToAnotherPeer(t *testing.T) {
	client, hostPair := mem.NewPair(mem.Options{})
	startHost(hostPair, "secret")
	mgr := newTestManager(t, Config{}, &fakeOpener{pairs: []*transport.ChannelPair{client}})

	mgr.Connect(discovery.PeerDescriptor{ID: "host-1"}, handshake.Capabilities{}, "secret")
	waitEvent(t, mgr, "connected", func(e Event) bool {
		return e.Kind == EventState && e.State == StateConnected
	})

	mgr.Connect(discovery.PeerDescriptor{ID: "host-2"}, handshake.Capabilities{}, "secret")
	ev := waitEvent(t, mgr, "rejection of second bind", func(e Event) bool {
		return e.Kind == EventState && e.Err != nil
	})
	if !strings.Contains(ev.Err.Error(), "host-1") {
		t.Fatalf("unexpected error: %v", ev.Err)
	}
	if mgr.State() != StateConnected {
		t.Fatalf("existing session disturbed: %v", mgr.State())
	}
}

func TestMediaGatedUntilAck(t *testing.T) {
	client, hostPair := mem.NewPair(mem.Options{})
	mgr := newTestManager(t, Config{}, &fakeOpener{pairs: []*transport.ChannelPair{client}})

	// The host holds the ack back so media arrives mid-handshake.
	hsCh := make(chan handshake.Request, 1)
	go func() {
		for {
			m, err := hostPair.Control.Recv()
			if err != nil || m.Type == protocol.MsgDisconnect {
				return
			}
			if m.Type == protocol.MsgHandshake {
				if req, err := handshake.DecodeRequest(m.Payload); err == nil {
					hsCh <- req
				}
			}
		}
	}()

	mgr.Connect(discovery.PeerDescriptor{ID: "host-1"}, handshake.Capabilities{Video: true}, "secret")
	var req handshake.Request
	select {
	case req = <-hsCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("handshake never reached host")
	}

	sendFrame := func(id uint32, payload []byte) {
		t.Helper()
		dgs, err := protocol.SplitFrame(id, payload, 1200)
		if err != nil {
			t.Fatalf("split: %v", err)
		}
		for _, d := range dgs {
			if err := hostPair.Media.SendDatagram(d); err != nil {
				t.Fatalf("send datagram: %v", err)
			}
		}
	}

	sendFrame(1, []byte("too-early"))
	silence := time.After(150 * time.Millisecond)
silent:
	for {
		select {
		case e := <-mgr.Events():
			if e.Kind == EventMediaFrame {
				t.Fatalf("media surfaced before the handshake ack")
			}
		case <-silence:
			break silent
		}
	}

	am, err := handshake.Negotiate(req, handshake.Limits{MaxWidth: 1280, MaxHeight: 720, MaxRate: 30}).Encode()
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	if err := hostPair.Control.Send(am); err != nil {
		t.Fatalf("send ack: %v", err)
	}
	waitEvent(t, mgr, "connected", func(e Event) bool {
		return e.Kind == EventState && e.State == StateConnected
	})

	sendFrame(2, []byte("after-ack"))
	fe := waitEvent(t, mgr, "media frame", func(e Event) bool { return e.Kind == EventMediaFrame })
	if !bytes.Equal(fe.Frame, []byte("after-ack")) {
		t.Fatalf("unexpected frame payload %q", fe.Frame)
	}
}

func TestCommandsDuringStartDoNotPanic(t *testing.T) {
	store := discovery.NewStore(time.Minute)
	t.Cleanup(store.Close)
	mgr := New(Config{}, &fakeOpener{}, store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.StartDiscovery()
		}()
	}
	mgr.Start(context.Background())
	wg.Wait()
	mgr.Stop()
}

func TestDiscoveryEventsSurface(t *testing.T) {
	store := discovery.NewStore(time.Minute)
	t.Cleanup(store.Close)
	mgr := New(Config{}, &fakeOpener{}, store)
	mgr.Start(context.Background())
	t.Cleanup(mgr.Stop)
	mgr.StartDiscovery()

	waitEvent(t, mgr, "discovering state", func(e Event) bool {
		return e.Kind == EventState && e.State == StateDiscovering
	})

	store.PeerFound(discovery.PeerDescriptor{ID: "h", Name: "Host"}, "manual")
	ev := waitEvent(t, mgr, "peer found", func(e Event) bool { return e.Kind == EventPeerFound })
	if ev.Peer.ID != "h" {
		t.Fatalf("unexpected peer: %#v", ev.Peer)
	}

	store.PeerLost("h", "manual")
	waitEvent(t, mgr, "peer lost", func(e Event) bool { return e.Kind == EventPeerLost })
}
