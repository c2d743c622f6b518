// Package session owns the connection lifecycle of the client: discovery,
// link selection, handshake, streaming and recovery. All externally
// observable state lives on a single control goroutine; callers mutate it
// only by posting commands, never directly from network callbacks.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"aircast/pkg/discovery"
	"aircast/pkg/handshake"
	"aircast/pkg/protocol"
	"aircast/pkg/reassembly"
	"aircast/pkg/transport"
)

// Opener resolves a reachable endpoint for a peer and opens the channel
// pair. Implemented by linksel.Selector; tests inject fakes.
type Opener interface {
	Open(ctx context.Context, peer discovery.PeerDescriptor, inputOnly bool) (*transport.ChannelPair, error)
}

// Config is the session manager policy surface.
type Config struct {
	// MaxReconnectAttempts bounds automatic reconnects before giving up.
	MaxReconnectAttempts int
	// ReconnectBaseDelay scales the exponential backoff: delay is
	// base * 2^attempt.
	ReconnectBaseDelay time.Duration
	// PingInterval drives reliable-channel liveness probing.
	PingInterval time.Duration
	// HandshakeTimeout bounds the wait for the host's ack.
	HandshakeTimeout time.Duration
	// Reassembly tunes the frame reassembler created per connection.
	Reassembly reassembly.Config
}

func (c *Config) setDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 2 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
}

var ErrNotRunning = errors.New("session: manager not running")

// Manager is the single session owner. Construct with New, then Start; all
// other methods post commands to the control goroutine.
type Manager struct {
	cfg     Config
	opener  Opener
	store   *discovery.Store
	sources []discovery.Source

	cmds   chan command
	events chan Event
	state  atomic.Int32

	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	started   atomic.Bool
}

type cmdKind int

const (
	cmdStartDiscovery cmdKind = iota
	cmdStopDiscovery
	cmdConnect
	cmdDisconnect
	cmdSend
)

type command struct {
	kind   cmdKind
	peer   discovery.PeerDescriptor
	caps   handshake.Capabilities
	secret string
	retry  bool
	cls    sendClass
	msg    protocol.Message
}

// New builds a manager. Sources are started and stopped with discovery.
func New(cfg Config, opener Opener, store *discovery.Store, sources ...discovery.Source) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:     cfg,
		opener:  opener,
		store:   store,
		sources: sources,
		cmds:    make(chan command, 16),
		events:  make(chan Event, 128),
	}
}

// Start launches the control goroutine. Idempotent. started flips only
// after runCtx is assigned, so a command racing with Start never sees a nil
// context.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.runCtx, m.cancel = context.WithCancel(ctx)
		m.wg.Add(1)
		go m.run()
		m.started.Store(true)
	})
}

// Stop tears the session down and waits for the control goroutine.
func (m *Manager) Stop() {
	if !m.started.Load() {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// State returns the current lifecycle phase. Safe from any goroutine.
func (m *Manager) State() State { return State(m.state.Load()) }

// Events is the observable feed of state changes, media and discovery. A
// reader that falls behind loses events rather than stalling the session.
func (m *Manager) Events() <-chan Event { return m.events }

// Peers lists the currently discovered hosts.
func (m *Manager) Peers() []discovery.PeerDescriptor { return m.store.Peers() }

// StartDiscovery begins peer discovery. No-op outside Idle/Discovering.
func (m *Manager) StartDiscovery() { m.post(command{kind: cmdStartDiscovery}) }

// StopDiscovery halts peer discovery. No-op outside Idle/Discovering.
func (m *Manager) StopDiscovery() { m.post(command{kind: cmdStopDiscovery}) }

// Connect binds the session to a peer and drives it toward streaming. If an
// incompatible session is already bound the request is surfaced as an error
// status and the current state is kept.
func (m *Manager) Connect(peer discovery.PeerDescriptor, caps handshake.Capabilities, secret string) {
	m.post(command{kind: cmdConnect, peer: peer, caps: caps, secret: secret})
}

// Disconnect ends the current session. With retry the endpoint is
// re-resolved and the session re-established; without it the binding is
// cleared and discovery resumes.
func (m *Manager) Disconnect(retry bool) {
	m.post(command{kind: cmdDisconnect, retry: retry})
}

// SendInput forwards a pointer event to the host.
func (m *Manager) SendInput(ev protocol.InputEvent) error {
	return m.send(protocol.MsgInputEvent, ev)
}

// SendScroll forwards a scroll event to the host.
func (m *Manager) SendScroll(ev protocol.ScrollEvent) error {
	return m.send(protocol.MsgScrollEvent, ev)
}

// SendKey forwards a key event to the host.
func (m *Manager) SendKey(ev protocol.KeyEvent) error {
	return m.send(protocol.MsgKeyEvent, ev)
}

// SendMediaKey forwards a media key event to the host.
func (m *Manager) SendMediaKey(ev protocol.MediaKeyEvent) error {
	return m.send(protocol.MsgMediaKey, ev)
}

func (m *Manager) send(t protocol.MsgType, v any) error {
	msg, err := protocol.EncodeEvent(t, v)
	if err != nil {
		return err
	}
	m.post(command{kind: cmdSend, cls: classInput, msg: msg})
	return nil
}

func (m *Manager) post(c command) {
	if !m.started.Load() {
		return
	}
	select {
	case m.cmds <- c:
	case <-m.runCtx.Done():
	}
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		zap.L().Warn("event consumer lagging, dropping event", zap.Int("kind", int(e.Kind)))
	}
}
