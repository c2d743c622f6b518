package reassembly

import "sync/atomic"

type statsCounters struct {
	completed  atomic.Uint64
	evicted    atomic.Uint64
	aborted    atomic.Uint64
	duplicates atomic.Uint64
	malformed  atomic.Uint64
	queueDrops atomic.Uint64
	frameDrops atomic.Uint64
	nacksSent  atomic.Uint64
	nackDrops  atomic.Uint64
}

// Stats is a diagnostics snapshot. Parsing and capacity problems are
// counted here, never surfaced as errors.
type Stats struct {
	Completed  uint64
	Evicted    uint64
	Aborted    uint64
	Duplicates uint64
	Malformed  uint64
	QueueDrops uint64
	FrameDrops uint64
	NacksSent  uint64
	NackDrops  uint64
}

// Stats returns the current counter snapshot. Safe from any goroutine.
func (r *Reassembler) Stats() Stats {
	return Stats{
		Completed:  r.stats.completed.Load(),
		Evicted:    r.stats.evicted.Load(),
		Aborted:    r.stats.aborted.Load(),
		Duplicates: r.stats.duplicates.Load(),
		Malformed:  r.stats.malformed.Load(),
		QueueDrops: r.stats.queueDrops.Load(),
		FrameDrops: r.stats.frameDrops.Load(),
		NacksSent:  r.stats.nacksSent.Load(),
		NackDrops:  r.stats.nackDrops.Load(),
	}
}
