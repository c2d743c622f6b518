package lan

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"aircast/pkg/protocol"
	"aircast/pkg/transport"
)

// fakeHost listens on a TCP control port and a UDP media port like the
// streaming host does.
type fakeHost struct {
	tcp *net.TCPListener
	udp *net.UDPConn
}

func startFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	tl, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("tcp listen: %v", err)
	}
	ul, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("udp listen: %v", err)
	}
	h := &fakeHost{tcp: tl, udp: ul}
	t.Cleanup(func() { tl.Close(); ul.Close() })
	return h
}

func (h *fakeHost) endpoint() transport.Endpoint {
	return transport.Endpoint{
		Host:        "127.0.0.1",
		ControlPort: h.tcp.Addr().(*net.TCPAddr).Port,
		MediaPort:   h.udp.LocalAddr().(*net.UDPAddr).Port,
	}
}

func TestDialOpensBothChannels(t *testing.T) {
	h := startFakeHost(t)

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := h.tcp.Accept()
		if err == nil {
			acceptCh <- c
		}
	}()

	d := New()
	pair, err := d.Dial(context.Background(), h.endpoint())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer pair.Close()
	if pair.Link != transport.KindLAN {
		t.Fatalf("unexpected link %v", pair.Link)
	}

	// The hello datagram announces the client's media address.
	buf := make([]byte, 64)
	h.udp.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, from, err := h.udp.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("hello read: %v", err)
	}
	if n != 1 || buf[0] != byte(protocol.MsgPing) {
		t.Fatalf("unexpected hello datagram: %v", buf[:n])
	}

	// Media flows back to the announced address.
	if _, err := h.udp.WriteToUDP([]byte{byte(protocol.MsgAudio), 7}, from); err != nil {
		t.Fatalf("media write: %v", err)
	}
	got, err := pair.Media.RecvDatagram()
	if err != nil {
		t.Fatalf("media recv: %v", err)
	}
	if !bytes.Equal(got, []byte{byte(protocol.MsgAudio), 7}) {
		t.Fatalf("unexpected media datagram: %v", got)
	}

	// Control is a working framed stream.
	var hc net.Conn
	select {
	case hc = <-acceptCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("control connection never accepted")
	}
	defer hc.Close()
	hostCtrl := transport.NewStreamChannel(hc, transport.KindLAN)

	if err := pair.Control.Send(protocol.Message{Type: protocol.MsgPing}); err != nil {
		t.Fatalf("control send: %v", err)
	}
	m, err := hostCtrl.Recv()
	if err != nil || m.Type != protocol.MsgPing {
		t.Fatalf("control recv: %#v err=%v", m, err)
	}
}

func TestDialEmptyHost(t *testing.T) {
	d := New()
	if _, err := d.Dial(context.Background(), transport.Endpoint{}); err == nil {
		t.Fatalf("expected error for empty host")
	}
}

func TestRelayKindOverride(t *testing.T) {
	d := &Dialer{LinkKind: transport.KindRelay}
	if d.Kind() != transport.KindRelay {
		t.Fatalf("kind override ignored: %v", d.Kind())
	}
	if (&Dialer{}).Kind() != transport.KindLAN {
		t.Fatalf("zero value should default to lan")
	}
}

func TestDialRefusedControlPort(t *testing.T) {
	// Grab a port and close it so the control dial is refused.
	tl, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := tl.Addr().(*net.TCPAddr).Port
	tl.Close()

	d := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := d.Dial(ctx, transport.Endpoint{Host: "127.0.0.1", ControlPort: port, MediaPort: port}); err == nil {
		t.Fatalf("expected refused control dial")
	}
}
