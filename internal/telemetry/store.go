package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is a stored record with its observation time. At carries a monotonic
// clock reading; Seq increases with every Put on the same Store.
type Entry struct {
	Record Record
	At     time.Time
	Seq    uint64
}

// Snapshot is an immutable view of the latest entry per kind. A kind that is
// absent was never observed in this session.
type Snapshot map[Kind]Entry

func (s Snapshot) Get(k Kind) (Entry, bool) {
	e, ok := s[k]
	return e, ok
}

// Kinds returns the observed kinds in name order.
func (s Snapshot) Kinds() []Kind {
	out := make([]Kind, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Snapshot) Records() map[Kind]Record {
	out := make(map[Kind]Record, len(s))
	for k, e := range s {
		out[k] = e.Record
	}
	return out
}

// Ages reports how long ago each kind was last observed.
func (s Snapshot) Ages(now time.Time) map[Kind]time.Duration {
	out := make(map[Kind]time.Duration, len(s))
	for k, e := range s {
		out[k] = now.Sub(e.At)
	}
	return out
}

// Store holds the current Snapshot. Writes copy the map and publish the copy
// in one atomic store, so a reader sees either the old or the new record for
// a kind, never a mix.
type Store struct {
	cur atomic.Value // Snapshot

	mu  sync.Mutex
	seq uint64
}

func NewStore() *Store {
	s := &Store{}
	s.cur.Store(Snapshot{})
	return s
}

func (s *Store) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	return s.cur.Load().(Snapshot)
}

// Put replaces the entry for r.Kind().
func (s *Store) Put(r Record, at time.Time) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := Entry{Record: r, At: at, Seq: s.seq}

	old := s.cur.Load().(Snapshot)
	next := make(Snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[r.Kind()] = e
	s.cur.Store(next)
	return e
}
