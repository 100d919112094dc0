package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dronelink/internal/mavlink"
)

// Receiver is the inbound half of a protocol link.
type Receiver interface {
	Recv(ctx context.Context) (mavlink.Message, error)
}

// Stats counts messages seen by an Ingestor.
type Stats struct {
	Received uint64 `json:"received"`
	Folded   uint64 `json:"folded"`
	Ignored  uint64 `json:"ignored"`
}

// Ingestor drains a Receiver into a Store. One Ingestor serves one session;
// it never reconnects.
type Ingestor struct {
	src      Receiver
	store    *Store
	modes    mavlink.ModeTable
	systemID uint8
	compID   uint8
	session  uint64
	bus      *Broadcaster
	log      *zap.Logger
	now      func() time.Time

	received atomic.Uint64
	folded   atomic.Uint64
	ignored  atomic.Uint64
}

type IngestorConfig struct {
	// SystemID restricts folding to one vehicle; 0 accepts every sender.
	SystemID uint8
	// ComponentID, when set, restricts heartbeats to the autopilot so a
	// companion computer's heartbeat does not overwrite the flight mode.
	ComponentID uint8
	Modes       mavlink.ModeTable
	Session     uint64
	Bus         *Broadcaster
	Log         *zap.Logger
}

func NewIngestor(src Receiver, store *Store, cfg IngestorConfig) *Ingestor {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		src:      src,
		store:    store,
		modes:    cfg.Modes,
		systemID: cfg.SystemID,
		compID:   cfg.ComponentID,
		session:  cfg.Session,
		bus:      cfg.Bus,
		log:      log,
		now:      time.Now,
	}
}

// Run blocks until ctx is canceled (returns nil) or the source fails
// (returns the error, typically mavlink.ErrClosed).
func (in *Ingestor) Run(ctx context.Context) error {
	for {
		msg, err := in.src.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("telemetry ingest: %w", err)
		}
		in.apply(msg)
		in.received.Add(1)
	}
}

func (in *Ingestor) apply(msg mavlink.Message) {
	if !in.fromVehicle(msg) {
		in.ignored.Add(1)
		return
	}
	rec, ok := Fold(msg, in.modes)
	if !ok {
		in.ignored.Add(1)
		return
	}
	e := in.store.Put(rec, in.now())
	in.folded.Add(1)
	if ack, isAck := rec.(CommandAckRecord); isAck {
		in.log.Info("command ack", zap.Uint16("command", ack.Command), zap.String("status", ack.Status))
	}
	in.bus.Publish(Update{Session: in.session, Kind: rec.Kind(), Record: rec, At: e.At})
}

func (in *Ingestor) Stats() Stats {
	return Stats{
		Received: in.received.Load(),
		Folded:   in.folded.Load(),
		Ignored:  in.ignored.Load(),
	}
}

// fromVehicle drops traffic from other systems sharing the radio. A zero
// system id on the message is treated as unknown and accepted.
func (in *Ingestor) fromVehicle(msg mavlink.Message) bool {
	h := headerOf(msg)
	if in.systemID != 0 && h.SystemID != 0 && h.SystemID != in.systemID {
		return false
	}
	if _, isHB := msg.(mavlink.Heartbeat); isHB && in.compID != 0 && h.ComponentID != 0 && h.ComponentID != in.compID {
		return false
	}
	return true
}

func headerOf(msg mavlink.Message) mavlink.Header {
	switch m := msg.(type) {
	case mavlink.Heartbeat:
		return m.Header
	case mavlink.Attitude:
		return m.Header
	case mavlink.GlobalPosition:
		return m.Header
	case mavlink.SysStatus:
		return m.Header
	case mavlink.CommandAck:
		return m.Header
	case mavlink.Unrecognized:
		return m.Header
	}
	return mavlink.Header{}
}
