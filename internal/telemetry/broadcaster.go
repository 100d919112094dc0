package telemetry

import (
	"sync"
	"time"
)

// Update is one folded record as published to subscribers.
type Update struct {
	Session uint64    `json:"session"`
	Kind    Kind      `json:"kind"`
	Record  Record    `json:"record"`
	At      time.Time `json:"at"`
}

// Broadcaster fans out updates to any listeners (websocket clients, the
// recorder). It keeps the latest update per kind so new subscribers get an
// immediate picture. Slow subscribers miss updates rather than stall the
// ingestor.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[int]chan Update
	nextID  int
	last    map[Kind]Update
	session uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan Update),
		last: make(map[Kind]Update),
	}
}

func (b *Broadcaster) Subscribe(buffer int) (int, <-chan Update) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	for _, u := range b.last {
		select {
		case ch <- u:
		default:
		}
	}
	b.mu.Unlock()
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Reset forgets cached updates from earlier sessions.
func (b *Broadcaster) Reset(session uint64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.session = session
	b.last = make(map[Kind]Update)
	b.mu.Unlock()
}

func (b *Broadcaster) Publish(u Update) {
	if b == nil {
		return
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if u.Session < b.session {
		return
	}
	b.session = u.Session
	b.last[u.Kind] = u
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (b *Broadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
