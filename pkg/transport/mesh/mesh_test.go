package mesh

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"aircast/pkg/protocol"
	"aircast/pkg/transport"
)

func dialPair(t *testing.T) (client, host *transport.ChannelPair) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ua := ln.Addr().(*net.UDPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostCh := make(chan *transport.ChannelPair, 1)
	errCh := make(chan error, 1)
	go func() {
		p, err := ln.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		hostCh <- p
	}()

	d := New()
	client, err = d.Dial(ctx, transport.Endpoint{Host: "127.0.0.1", ControlPort: ua.Port})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// OpenStreamSync returns before the host can accept the stream; the
	// stream only materializes at the peer once data is written.
	if err := client.Control.Send(protocol.Message{Type: protocol.MsgPing}); err != nil {
		t.Fatalf("initial send: %v", err)
	}

	select {
	case host = <-hostCh:
	case err := <-errCh:
		t.Fatalf("accept: %v", err)
	case <-ctx.Done():
		t.Fatalf("accept timed out")
	}
	t.Cleanup(func() { host.Close() })

	m, err := host.Control.Recv()
	if err != nil || m.Type != protocol.MsgPing {
		t.Fatalf("stream open message: %#v err=%v", m, err)
	}
	return client, host
}

func TestDialKind(t *testing.T) {
	d := New()
	if d.Kind() != transport.KindMesh {
		t.Fatalf("unexpected kind %v", d.Kind())
	}
}

func TestControlStreamRoundtrip(t *testing.T) {
	client, host := dialPair(t)

	in := protocol.Message{Type: protocol.MsgKeyEvent, Payload: []byte("key")}
	if err := client.Control.Send(in); err != nil {
		t.Fatalf("send: %v", err)
	}
	out, err := host.Control.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if out.Type != in.Type || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("messages differ: %#v vs %#v", out, in)
	}
	if client.Link != transport.KindMesh {
		t.Fatalf("unexpected link %v", client.Link)
	}
}

func TestDatagramRoundtrip(t *testing.T) {
	client, host := dialPair(t)

	payload := []byte{byte(protocol.MsgMediaChunk), 0, 0, 0, 1, 0, 0, 0, 1, 0xAB}
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := host.Media.SendDatagram(payload)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("send datagram: %v", err)
		}
		// Datagram support is negotiated; retry until the handshake settles.
		time.Sleep(10 * time.Millisecond)
	}

	got, err := client.Media.RecvDatagram()
	if err != nil {
		t.Fatalf("recv datagram: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("datagram differs: %v", got)
	}
}

func TestDialUnreachable(t *testing.T) {
	d := New()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	// A closed UDP port on localhost never answers the QUIC handshake.
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.UDPAddr).Port
	ln.Close()

	_, err = d.Dial(ctx, transport.Endpoint{Host: "127.0.0.1", ControlPort: port})
	if err == nil {
		t.Fatalf("expected dial failure, got success to 127.0.0.1:" + strconv.Itoa(port))
	}
}
