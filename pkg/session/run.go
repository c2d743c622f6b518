package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aircast/pkg/discovery"
	"aircast/pkg/handshake"
	"aircast/pkg/protocol"
	"aircast/pkg/reassembly"
	"aircast/pkg/transport"
)

// maxMissedPongs is how many unanswered pings mark the channel dead.
const maxMissedPongs = 3

type connResult struct {
	attemptID string
	pair      *transport.ChannelPair
	err       error
}

// conn is the per-connection state owned by the control goroutine.
type conn struct {
	pair   *transport.ChannelPair
	outq   *outQueue
	reasm  *reassembly.Reassembler
	cancel context.CancelFunc

	msgs  chan protocol.Message
	errs  chan error
	audio chan []byte
}

// loop is the control goroutine's mutable state. Nothing here is touched
// from any other goroutine.
type loop struct {
	m *Manager

	st         State
	discCancel context.CancelFunc

	peer      *discovery.PeerDescriptor
	caps      handshake.Capabilities
	secret    string
	sessionID string

	attempt    int
	attemptID  string
	connCh     chan connResult
	retryTimer *time.Timer
	retryC     <-chan time.Time

	cn          *conn
	awaitingAck bool
	negotiated  handshake.Ack
	hsTimer     *time.Timer
	hsC         <-chan time.Time
	missedPongs int
}

func (m *Manager) run() {
	defer m.wg.Done()
	l := &loop{m: m, connCh: make(chan connResult, 1)}
	pingTick := time.NewTicker(m.cfg.PingInterval)
	defer pingTick.Stop()
	defer l.shutdown()

	for {
		// Per-connection channels are nil when no connection is up; nil
		// channels never fire in the select.
		var msgs chan protocol.Message
		var errs chan error
		var audio chan []byte
		var frames <-chan reassembly.Frame
		var nacks <-chan protocol.NackRequest
		if l.cn != nil {
			msgs, errs, audio = l.cn.msgs, l.cn.errs, l.cn.audio
			frames, nacks = l.cn.reasm.Frames(), l.cn.reasm.Nacks()
		}

		select {
		case <-m.runCtx.Done():
			return
		case c := <-m.cmds:
			l.handleCommand(c)
		case ev := <-m.store.Events():
			l.handleDiscovery(ev)
		case r := <-l.connCh:
			l.handleConnResult(r)
		case msg := <-msgs:
			l.handleMessage(msg)
		case err := <-errs:
			l.transportFailure("channel error", err)
		case f := <-frames:
			l.deliverFrame(f)
		case n := <-nacks:
			l.cn.outq.Push(classControl, protocol.EncodeNack(n))
		case b := <-audio:
			if l.st == StateConnected || l.st == StateStreaming {
				m.emit(Event{Kind: EventAudio, Frame: b})
			}
		case <-l.hsC:
			if l.awaitingAck {
				l.transportFailure("handshake timeout", nil)
			}
		case <-l.retryC:
			l.retryC = nil
			l.beginAttempt()
		case <-pingTick.C:
			l.pingTick()
		}
	}
}

// shutdown runs when the manager stops: full teardown, no events.
func (l *loop) shutdown() {
	l.stopRetry()
	l.teardownConn()
	if l.discCancel != nil {
		l.discCancel()
		l.discCancel = nil
	}
}

func (l *loop) setState(st State, status string, err error) {
	l.st = st
	l.m.state.Store(int32(st))
	if err != nil {
		zap.L().Info("session state", zap.String("state", st.String()), zap.String("status", status), zap.Error(err))
	} else {
		zap.L().Info("session state", zap.String("state", st.String()), zap.String("status", status))
	}
	l.m.emit(Event{Kind: EventState, State: st, Status: status, Err: err})
}

func (l *loop) handleCommand(c command) {
	switch c.kind {
	case cmdStartDiscovery:
		if l.st != StateIdle && l.st != StateDiscovering {
			return
		}
		l.startDiscovery()
	case cmdStopDiscovery:
		if l.st != StateIdle && l.st != StateDiscovering {
			return
		}
		l.stopDiscovery()
	case cmdConnect:
		l.connect(c)
	case cmdDisconnect:
		l.disconnect(c.retry)
	case cmdSend:
		if l.cn != nil && (l.st == StateConnected || l.st == StateStreaming) {
			l.cn.outq.Push(c.cls, c.msg)
		} else {
			zap.L().Debug("dropping outbound message, no active session",
				zap.String("type", c.msg.Type.String()))
		}
	}
}

func (l *loop) handleDiscovery(ev discovery.Event) {
	switch ev.Kind {
	case discovery.PeerFound, discovery.PeerUpdated:
		l.m.emit(Event{Kind: EventPeerFound, Peer: ev.Peer})
	case discovery.PeerLost:
		l.m.emit(Event{Kind: EventPeerLost, Peer: ev.Peer})
	}
}

func (l *loop) startDiscovery() {
	if l.discCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(l.m.runCtx)
	l.discCancel = cancel
	for _, src := range l.m.sources {
		if err := src.Start(ctx, l.m.store); err != nil {
			zap.L().Warn("discovery source failed to start",
				zap.String("source", src.Name()), zap.Error(err))
		}
	}
	if l.st == StateIdle {
		l.setState(StateDiscovering, "discovering hosts", nil)
	}
}

func (l *loop) stopDiscovery() {
	if l.discCancel == nil {
		return
	}
	l.discCancel()
	l.discCancel = nil
	if l.st == StateDiscovering {
		l.setState(StateIdle, "idle", nil)
	}
}

func (l *loop) connect(c command) {
	switch l.st {
	case StateConnecting, StateConnected, StateStreaming:
		if l.peer != nil && l.peer.ID == c.peer.ID {
			return // already bound to this peer
		}
		l.m.emit(Event{Kind: EventState, State: l.st,
			Status: "another session is active", Err: fmt.Errorf("session: already bound to %s", l.peer.ID)})
		return
	}
	p := c.peer
	l.peer = &p
	l.caps = c.caps
	l.secret = c.secret
	l.sessionID = uuid.NewString()
	l.attempt = 0
	l.stopRetry()
	// Discovery pauses for the lifetime of the session and resumes when the
	// session returns to Idle.
	if l.discCancel != nil {
		l.discCancel()
		l.discCancel = nil
	}
	l.beginAttempt()
}

// beginAttempt resolves the endpoint afresh: addresses may have changed
// since the last attempt, so nothing is cached.
func (l *loop) beginAttempt() {
	if l.peer == nil {
		return
	}
	l.setState(StateConnecting, fmt.Sprintf("resolving endpoint for %s (attempt %d)", l.peer.Name, l.attempt+1), nil)
	id := uuid.NewString()
	l.attemptID = id
	peer := *l.peer
	inputOnly := l.caps.InputOnly()
	m := l.m
	go func() {
		pair, err := m.opener.Open(m.runCtx, peer, inputOnly)
		select {
		case l.connCh <- connResult{attemptID: id, pair: pair, err: err}:
		case <-m.runCtx.Done():
			pair.Close()
		}
	}()
}

func (l *loop) handleConnResult(r connResult) {
	if l.st != StateConnecting || r.attemptID != l.attemptID {
		r.pair.Close() // stale attempt, possibly cancelled
		return
	}
	if r.err != nil {
		l.scheduleRetry("endpoint resolution failed", r.err)
		return
	}
	l.establish(r.pair)
}

// establish wires the channel pair: reassembler, receive loops, outbound
// queue, then sends the handshake. Media is ignored until the ack arrives.
func (l *loop) establish(pair *transport.ChannelPair) {
	ctx, cancel := context.WithCancel(l.m.runCtx)
	cn := &conn{
		pair:   pair,
		reasm:  reassembly.New(l.m.cfg.Reassembly),
		cancel: cancel,
		msgs:   make(chan protocol.Message, 16),
		errs:   make(chan error, 2),
		audio:  make(chan []byte, 8),
	}
	cn.outq = newOutQueue(pair.Control, cn.errs)
	go cn.reasm.Run(ctx)
	go recvLoop(ctx, pair.Control, cn.msgs, cn.errs)
	go datagramLoop(pair.Media, cn.reasm, cn.audio)
	l.cn = cn

	req, err := handshake.BuildRequest(l.sessionID, l.secret, l.caps)
	if err != nil {
		l.authFailure(err.Error())
		return
	}
	msg, err := req.Encode()
	if err != nil {
		l.transportFailure("handshake encode", err)
		return
	}
	cn.outq.Push(classControl, msg)
	l.awaitingAck = true
	l.hsTimer = time.NewTimer(l.m.cfg.HandshakeTimeout)
	l.hsC = l.hsTimer.C
	l.setState(StateConnecting, fmt.Sprintf("connecting to %s over %s", l.peer.Name, pair.Link), nil)
}

func (l *loop) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgHandshakeAck:
		l.handleAck(msg.Payload)
	case protocol.MsgPairingFailed:
		l.authFailure("pairing rejected by host")
	case protocol.MsgDisconnect:
		// Peer said goodbye: no retry, unlike a dropped link.
		var info protocol.DisconnectInfo
		_ = protocol.UnmarshalBody(msg.Payload, &info)
		status := "host ended session"
		if info.Reason != "" {
			status += ": " + info.Reason
		}
		l.endSession(status)
	case protocol.MsgPong:
		l.missedPongs = 0
	case protocol.MsgPing:
		if l.cn != nil {
			l.cn.outq.Push(classBackground, protocol.Message{Type: protocol.MsgPong})
		}
	case protocol.MsgMediaFrame:
		// Whole frame on the reliable channel (tiny frames skip chunking).
		l.deliverFrame(reassembly.Frame{Payload: msg.Payload})
	case protocol.MsgAudio:
		if l.st == StateConnected || l.st == StateStreaming {
			l.m.emit(Event{Kind: EventAudio, Frame: msg.Payload})
		}
	default:
		// Unknown types are ignored, not fatal.
		zap.L().Debug("ignoring message", zap.String("type", msg.Type.String()))
	}
}

func (l *loop) handleAck(payload []byte) {
	if !l.awaitingAck {
		return
	}
	ack, err := handshake.DecodeAck(payload)
	if err != nil {
		zap.L().Warn("malformed handshake ack", zap.Error(err))
		return
	}
	if !ack.Accepted {
		reason := ack.Reason
		if reason == "" {
			reason = "rejected"
		}
		l.authFailure(reason)
		return
	}
	l.awaitingAck = false
	l.stopHsTimer()
	l.negotiated = ack
	l.attempt = 0
	l.setState(StateConnected, fmt.Sprintf("connected: %dx%d@%d", ack.Width, ack.Height, ack.FrameRate), nil)
	l.m.emit(Event{Kind: EventState, State: StateConnected, Status: "negotiated", Ack: ack})
}

// deliverFrame gates media on the handshake: nothing reaches the decoder
// before Connected. The first accepted frame moves the session to Streaming.
func (l *loop) deliverFrame(f reassembly.Frame) {
	switch l.st {
	case StateConnected:
		l.setState(StateStreaming, "streaming", nil)
	case StateStreaming:
	default:
		return
	}
	l.m.emit(Event{Kind: EventMediaFrame, Frame: f.Payload})
}

func (l *loop) pingTick() {
	if l.cn == nil || (l.st != StateConnected && l.st != StateStreaming) {
		return
	}
	if l.missedPongs >= maxMissedPongs {
		l.transportFailure("liveness timeout", nil)
		return
	}
	l.missedPongs++
	l.cn.outq.Push(classBackground, protocol.Message{Type: protocol.MsgPing})
}

// transportFailure covers resolution timeouts, channel errors and liveness
// loss: all retry with the same bounded backoff.
func (l *loop) transportFailure(reason string, err error) {
	if l.st != StateConnecting && l.st != StateConnected && l.st != StateStreaming {
		return
	}
	l.scheduleRetry(reason, err)
}

func (l *loop) scheduleRetry(reason string, err error) {
	l.teardownConn()
	l.attempt++
	if l.attempt > l.m.cfg.MaxReconnectAttempts {
		l.clearBinding()
		l.setState(StateIdle, fmt.Sprintf("gave up after %d attempts", l.m.cfg.MaxReconnectAttempts), err)
		l.startDiscovery()
		return
	}
	delay := l.m.cfg.ReconnectBaseDelay << l.attempt // base * 2^attempt
	l.setState(StateFailed, fmt.Sprintf("%s, reconnecting in %s", reason, delay), err)
	l.retryTimer = time.NewTimer(delay)
	l.retryC = l.retryTimer.C
}

// authFailure is terminal for the attempt: the cached secret is cleared and
// no reconnect attempt is consumed. The user must provide a fresh secret.
func (l *loop) authFailure(reason string) {
	l.teardownConn()
	l.stopRetry()
	l.secret = ""
	l.setState(StateFailed, "authentication failed: "+reason, handshake.ErrBadSecret)
	l.startDiscovery()
}

// endSession handles an orderly end (explicit disconnect or host goodbye):
// session-scoped state is cleared and discovery resumes.
func (l *loop) endSession(status string) {
	l.teardownConn()
	l.stopRetry()
	l.clearBinding()
	l.setState(StateIdle, status, nil)
	l.startDiscovery()
}

func (l *loop) disconnect(retry bool) {
	if retry && l.peer != nil {
		l.teardownConn()
		l.stopRetry()
		l.attempt = 0
		l.beginAttempt()
		return
	}
	l.endSession("disconnected")
}

func (l *loop) clearBinding() {
	l.peer = nil
	l.caps = handshake.Capabilities{}
	l.sessionID = ""
	l.negotiated = handshake.Ack{}
	l.attempt = 0
	l.attemptID = ""
}

func (l *loop) stopRetry() {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
		l.retryC = nil
	}
}

func (l *loop) stopHsTimer() {
	if l.hsTimer != nil {
		l.hsTimer.Stop()
		l.hsTimer = nil
		l.hsC = nil
	}
}

func (l *loop) teardownConn() {
	l.stopHsTimer()
	l.awaitingAck = false
	l.missedPongs = 0
	if l.cn == nil {
		return
	}
	l.cn.outq.Close()
	l.cn.cancel()
	l.cn.pair.Close()
	l.cn = nil
}

// recvLoop feeds reliable-channel messages to the control goroutine. A
// receive error (including the close of its own pair during teardown) ends
// the loop.
func recvLoop(ctx context.Context, ch transport.ReliableChannel, msgs chan<- protocol.Message, errs chan<- error) {
	for {
		m, err := ch.Recv()
		if err != nil {
			select {
			case errs <- err:
			default:
			}
			return
		}
		select {
		case msgs <- m:
		case <-ctx.Done():
			return
		}
	}
}

// datagramLoop routes media datagrams into the reassembler and audio to its
// own queue. Runs until the media channel is closed. Malformed datagrams
// are dropped by the reassembler's own accounting.
func datagramLoop(media transport.DatagramChannel, reasm *reassembly.Reassembler, audio chan<- []byte) {
	for {
		b, err := media.RecvDatagram()
		if err != nil {
			return
		}
		t, payload, err := protocol.ParseDatagram(b)
		if err != nil {
			continue
		}
		switch t {
		case protocol.MsgMediaChunk, protocol.MsgMediaFrame:
			reasm.Ingest(b)
		case protocol.MsgAudio:
			select {
			case audio <- payload:
			default:
			}
		default:
			// keepalives and unknown types
		}
	}
}
