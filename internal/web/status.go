package web

import (
	"sync/atomic"
	"time"

	"dronelink/internal/session"
)

// Status carries process-level counters for /api/status. Session details come
// from the session manager at read time.
type Status struct {
	startUnixNano  int64
	connects       uint64
	connectFails   uint64
	lastConnectUTC atomic.Value // string
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.lastConnectUTC.Store("")
	return s
}

// MarkConnect counts one /connect_drone outcome.
func (s *Status) MarkConnect(ok bool) {
	if !ok {
		atomic.AddUint64(&s.connectFails, 1)
		return
	}
	atomic.AddUint64(&s.connects, 1)
	s.lastConnectUTC.Store(time.Now().UTC().Format(time.RFC3339Nano))
}

type StatusSnapshot struct {
	Service        string        `json:"service"`
	NowUTC         string        `json:"now_utc"`
	UptimeSec      int64         `json:"uptime_sec"`
	Connects       uint64        `json:"connects_total"`
	ConnectFails   uint64        `json:"connect_failures_total"`
	LastConnectUTC string        `json:"last_connect_utc,omitempty"`
	StreamClients  int           `json:"stream_clients"`
	Session        session.State `json:"session"`
}

func (s *Status) Snapshot(nowUTC time.Time, st session.State, streamClients int) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	return StatusSnapshot{
		Service:        "dronelink",
		NowUTC:         nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:      int64(nowUTC.Sub(start).Seconds()),
		Connects:       atomic.LoadUint64(&s.connects),
		ConnectFails:   atomic.LoadUint64(&s.connectFails),
		LastConnectUTC: s.lastConnectUTC.Load().(string),
		StreamClients:  streamClients,
		Session:        st,
	}
}
