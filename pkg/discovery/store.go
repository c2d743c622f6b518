package discovery

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"aircast/pkg/memkv"
)

// EventKind tags a discovery event.
type EventKind int

const (
	PeerFound EventKind = iota
	PeerUpdated
	PeerLost
)

// Event is one change to the discovered-peer list.
type Event struct {
	Kind EventKind
	Peer PeerDescriptor
}

// Sink receives discovery reports from a Source.
type Sink interface {
	PeerFound(p PeerDescriptor, source string)
	PeerLost(id, source string)
}

// Source is one discovery mechanism (mDNS browser, manual entry, ...).
// Start must return promptly; reports flow into the sink until ctx is done.
type Source interface {
	Name() string
	Start(ctx context.Context, sink Sink) error
}

// Store merges reports from all sources into one descriptor per peer id.
// Entries expire when no source has refreshed them within the TTL.
type Store struct {
	kv  *memkv.Store
	ttl time.Duration

	mu    sync.Mutex
	names map[string]string // id -> last known display name, for Lost events

	events chan Event
}

const keyPrefix = "peer:"

// NewStore creates a peer store whose entries live for ttl after the last
// source report.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	s := &Store{
		ttl:    ttl,
		names:  make(map[string]string),
		events: make(chan Event, 32),
	}
	s.kv = memkv.New(memkv.Options{OnExpire: s.expired})
	return s
}

// Close stops the store. The event channel is not closed; readers select on
// their own context.
func (s *Store) Close() { s.kv.Close() }

// Events is the found/updated/lost feed. Slow readers lose events rather
// than block discovery.
func (s *Store) Events() <-chan Event { return s.events }

// PeerFound implements Sink: merge-by-identity upsert, never destructive.
func (s *Store) PeerFound(p PeerDescriptor, source string) {
	if p.ID == "" {
		return
	}
	if p.LastSeen == 0 {
		p.LastSeen = time.Now().UnixMilli()
	}
	var out PeerDescriptor
	created := true
	_ = s.kv.Update(keyPrefix+p.ID, func(old []byte) []byte {
		var cur PeerDescriptor
		if old != nil {
			created = false
			_ = json.Unmarshal(old, &cur)
		}
		out = merge(cur, p, source)
		b, _ := json.Marshal(out)
		return b
	})
	s.kv.Expire(keyPrefix+p.ID, s.ttl)
	s.mu.Lock()
	s.names[p.ID] = out.Name
	s.mu.Unlock()
	kind := PeerUpdated
	if created {
		kind = PeerFound
	}
	s.emit(Event{Kind: kind, Peer: out})
	zap.L().Debug("peer report",
		zap.String("peer", p.ID),
		zap.String("source", source),
		zap.Bool("created", created))
}

// PeerLost implements Sink: drops one source's claim; the descriptor is
// destroyed only when the last source has reported loss.
func (s *Store) PeerLost(id, source string) {
	if id == "" {
		return
	}
	var remaining int
	var last PeerDescriptor
	_ = s.kv.Update(keyPrefix+id, func(old []byte) []byte {
		if old == nil {
			return nil
		}
		var cur PeerDescriptor
		_ = json.Unmarshal(old, &cur)
		srcs := cur.Sources[:0]
		for _, sname := range cur.Sources {
			if sname != source {
				srcs = append(srcs, sname)
			}
		}
		cur.Sources = srcs
		remaining = len(srcs)
		last = cur
		if remaining == 0 {
			return nil
		}
		b, _ := json.Marshal(cur)
		return b
	})
	if remaining == 0 {
		s.mu.Lock()
		delete(s.names, id)
		s.mu.Unlock()
		last.ID = id
		s.emit(Event{Kind: PeerLost, Peer: last})
		zap.L().Debug("peer lost", zap.String("peer", id), zap.String("source", source))
	}
}

// Get returns the merged descriptor for a peer id.
func (s *Store) Get(id string) (PeerDescriptor, bool) {
	b, ok := s.kv.Get(keyPrefix + id)
	if !ok {
		return PeerDescriptor{}, false
	}
	var p PeerDescriptor
	if err := json.Unmarshal(b, &p); err != nil {
		return PeerDescriptor{}, false
	}
	return p, true
}

// Peers lists all live descriptors, sorted by id for stable display.
func (s *Store) Peers() []PeerDescriptor {
	keys := s.kv.Keys()
	out := make([]PeerDescriptor, 0, len(keys))
	for _, k := range keys {
		b, ok := s.kv.Get(k)
		if !ok {
			continue
		}
		var p PeerDescriptor
		if json.Unmarshal(b, &p) == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// expired is the memkv janitor callback for TTL'd-out peers.
func (s *Store) expired(key string) {
	if len(key) <= len(keyPrefix) {
		return
	}
	id := key[len(keyPrefix):]
	s.mu.Lock()
	name := s.names[id]
	delete(s.names, id)
	s.mu.Unlock()
	s.emit(Event{Kind: PeerLost, Peer: PeerDescriptor{ID: id, Name: name}})
	zap.L().Debug("peer expired", zap.String("peer", id))
}

func (s *Store) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}
