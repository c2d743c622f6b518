// Package reassembly reconstructs encoded media frames from chunk datagrams.
// All assembly state is owned by a single goroutine fed through a bounded
// queue, so the network receive path is never stalled by reassembly work and
// the state needs no locking.
package reassembly

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"aircast/pkg/protocol"
)

// timeNow is shadowed by tests to drive nack/eviction timing.
var timeNow = time.Now

// completedMemory is how many recently completed frame ids are remembered so
// a straggler duplicate cannot resurrect an assembly for a delivered frame.
const completedMemory = 64

// Config tunes loss recovery and memory bounds. Zero fields take defaults.
type Config struct {
	// Lossless enables nack-based retransmission requests.
	Lossless bool
	// NackDelay is the minimum assembly age before the first nack.
	NackDelay time.Duration
	// NackMinInterval is the debounce between nacks of one assembly.
	NackMinInterval time.Duration
	// NackMax caps the missing-index list per request.
	NackMax int
	// AssemblyTimeout is the age after which an incomplete assembly is
	// evicted.
	AssemblyTimeout time.Duration
	// MaxAssemblies is the concurrent in-flight frame cap.
	MaxAssemblies int
	// QueueLen bounds the inbound datagram queue; when full, datagrams are
	// dropped and counted rather than blocking the receiver.
	QueueLen int
}

func (c *Config) setDefaults() {
	if c.NackDelay <= 0 {
		c.NackDelay = 20 * time.Millisecond
	}
	if c.NackMinInterval <= 0 {
		c.NackMinInterval = 30 * time.Millisecond
	}
	if c.NackMax <= 0 {
		c.NackMax = 64
	}
	if c.AssemblyTimeout <= 0 {
		c.AssemblyTimeout = time.Second
	}
	if c.MaxAssemblies <= 0 {
		c.MaxAssemblies = 8
	}
	if c.QueueLen <= 0 {
		c.QueueLen = 512
	}
}

// Frame is one completed media frame, in arrival-completion order.
type Frame struct {
	ID      uint32
	Payload []byte
}

// assembly is the transient per-in-flight-frame state.
type assembly struct {
	total     uint16
	parts     map[uint16][]byte
	firstSeen time.Time
	lastNack  time.Time
	nacked    map[uint16]struct{}
}

// Reassembler owns all assembly state. Construct with New, feed datagrams
// with Ingest, and run the processing loop with Run.
type Reassembler struct {
	cfg        Config
	in         chan []byte
	frames     chan Frame
	nacks      chan protocol.NackRequest
	assemblies map[uint32]*assembly
	stats      statsCounters

	done     map[uint32]struct{}
	doneRing [completedMemory]uint32
	doneIdx  int
}

func New(cfg Config) *Reassembler {
	cfg.setDefaults()
	return &Reassembler{
		cfg:        cfg,
		in:         make(chan []byte, cfg.QueueLen),
		frames:     make(chan Frame, 32),
		nacks:      make(chan protocol.NackRequest, 16),
		assemblies: make(map[uint32]*assembly),
		done:       make(map[uint32]struct{}, completedMemory),
	}
}

// Frames is the completed-frame feed, each frame emitted exactly once.
func (r *Reassembler) Frames() <-chan Frame { return r.frames }

// Nacks is the retransmission-request feed for the reliable channel.
func (r *Reassembler) Nacks() <-chan protocol.NackRequest { return r.nacks }

// Ingest enqueues one raw datagram. Never blocks; returns false when the
// queue is full and the datagram was dropped.
func (r *Reassembler) Ingest(datagram []byte) bool {
	select {
	case r.in <- datagram:
		return true
	default:
		r.stats.queueDrops.Add(1)
		return false
	}
}

// Run processes datagrams and timers until ctx is done.
func (r *Reassembler) Run(ctx context.Context) {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-r.in:
			r.processDatagram(b)
		case <-tick.C:
			r.sweep(timeNow())
		}
	}
}

// processDatagram dispatches one datagram. Malformed data is dropped and
// counted, never fatal.
func (r *Reassembler) processDatagram(b []byte) {
	t, payload, err := protocol.ParseDatagram(b)
	if err != nil {
		r.stats.malformed.Add(1)
		return
	}
	switch t {
	case protocol.MsgMediaChunk:
		c, err := protocol.DecodeChunk(b)
		if err != nil {
			r.stats.malformed.Add(1)
			return
		}
		r.process(c)
	case protocol.MsgMediaFrame:
		// A whole frame in one datagram bypasses assembly but keeps the
		// single emission path so ordering is preserved.
		r.emit(Frame{Payload: payload})
	default:
		r.stats.malformed.Add(1)
	}
}

// process stores one chunk and completes the frame when all parts are in.
// A chunk of an already delivered frame is dropped; it must neither reopen
// an assembly nor re-emit the frame.
func (r *Reassembler) process(c protocol.Chunk) {
	if _, ok := r.done[c.FrameID]; ok {
		r.stats.duplicates.Add(1)
		return
	}
	now := timeNow()
	a := r.assemblies[c.FrameID]
	if a == nil {
		r.ensureCapacity(now)
		a = &assembly{
			parts:     make(map[uint16][]byte),
			firstSeen: now,
			nacked:    make(map[uint16]struct{}),
		}
		r.assemblies[c.FrameID] = a
	}
	// Latest header wins; stale totals from reordered datagrams are
	// overwritten.
	a.total = c.Total
	if _, dup := a.parts[c.Index]; dup {
		r.stats.duplicates.Add(1)
	}
	a.parts[c.Index] = c.Payload

	if len(a.parts) < int(a.total) {
		return
	}
	var size int
	for i := uint16(0); i < a.total; i++ {
		p, ok := a.parts[i]
		if !ok {
			// Count says complete but an index is missing: the header total
			// shrank below a stored index. Never emit partial data.
			zap.L().Error("assembly gap at completion",
				zap.Uint32("frame", c.FrameID),
				zap.Uint16("index", i),
				zap.Uint16("total", a.total))
			delete(r.assemblies, c.FrameID)
			r.stats.aborted.Add(1)
			return
		}
		size += len(p)
	}
	buf := make([]byte, 0, size)
	for i := uint16(0); i < a.total; i++ {
		buf = append(buf, a.parts[i]...)
	}
	delete(r.assemblies, c.FrameID)
	r.markDone(c.FrameID)
	r.stats.completed.Add(1)
	r.emit(Frame{ID: c.FrameID, Payload: buf})
}

// markDone remembers a completed frame id, displacing the oldest once the
// ring is full. Evicted assemblies are deliberately not remembered: a late
// chunk for an evicted frame starts a fresh assembly.
func (r *Reassembler) markDone(id uint32) {
	if len(r.done) >= completedMemory {
		delete(r.done, r.doneRing[r.doneIdx])
	}
	r.done[id] = struct{}{}
	r.doneRing[r.doneIdx] = id
	r.doneIdx = (r.doneIdx + 1) % completedMemory
}

// emit hands a completed frame to the consumer; a stalled consumer loses
// frames rather than stalling reassembly.
func (r *Reassembler) emit(f Frame) {
	select {
	case r.frames <- f:
	default:
		r.stats.frameDrops.Add(1)
		zap.L().Warn("frame consumer lagging, dropping frame", zap.Uint32("frame", f.ID))
	}
}

// sweep runs the nack and eviction policies.
func (r *Reassembler) sweep(now time.Time) {
	for id, a := range r.assemblies {
		if now.Sub(a.firstSeen) >= r.cfg.AssemblyTimeout {
			delete(r.assemblies, id)
			r.stats.evicted.Add(1)
			continue
		}
		if r.cfg.Lossless {
			r.maybeNack(id, a, now)
		}
	}
}

// maybeNack emits at most one retransmission request per assembly per
// debounce interval. Indices are nacked once per assembly lifetime; a single
// retransmission attempt per index trades completeness for simplicity.
func (r *Reassembler) maybeNack(id uint32, a *assembly, now time.Time) {
	if len(a.parts) >= int(a.total) {
		return
	}
	if now.Sub(a.firstSeen) < r.cfg.NackDelay {
		return
	}
	if !a.lastNack.IsZero() && now.Sub(a.lastNack) < r.cfg.NackMinInterval {
		return
	}
	missing := make([]uint16, 0, int(a.total)-len(a.parts))
	for i := uint16(0); i < a.total; i++ {
		if _, ok := a.parts[i]; ok {
			continue
		}
		if _, ok := a.nacked[i]; ok {
			continue
		}
		missing = append(missing, i)
		if len(missing) >= r.cfg.NackMax {
			break
		}
	}
	if len(missing) == 0 {
		return
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	for _, i := range missing {
		a.nacked[i] = struct{}{}
	}
	a.lastNack = now
	r.stats.nacksSent.Add(1)
	select {
	case r.nacks <- protocol.NackRequest{FrameID: id, Missing: missing}:
	default:
		r.stats.nackDrops.Add(1)
	}
}

// ensureCapacity makes room for a new assembly: stale assemblies go first,
// then the oldest, so memory stays bounded under heavy loss.
func (r *Reassembler) ensureCapacity(now time.Time) {
	if len(r.assemblies) < r.cfg.MaxAssemblies {
		return
	}
	for id, a := range r.assemblies {
		if now.Sub(a.firstSeen) >= r.cfg.AssemblyTimeout {
			delete(r.assemblies, id)
			r.stats.evicted.Add(1)
		}
	}
	for len(r.assemblies) >= r.cfg.MaxAssemblies {
		var oldestID uint32
		var oldest time.Time
		first := true
		for id, a := range r.assemblies {
			if first || a.firstSeen.Before(oldest) {
				oldestID, oldest = id, a.firstSeen
				first = false
			}
		}
		delete(r.assemblies, oldestID)
		r.stats.evicted.Add(1)
	}
}
