package mavlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const DefaultHandshakeTimeout = 10 * time.Second

// Link is a MAVLink session with one vehicle over an Endpoint.
//
// The Link owns the Endpoint but never the transport beneath it: closing a
// Link leaves the serial port to whoever opened it.
type Link struct {
	ep      Endpoint
	vehicle Heartbeat
	modes   ModeTable

	mu     sync.Mutex
	closed bool
}

// Open waits for the first vehicle heartbeat on ep, bounded by timeout.
// Ground station heartbeats are ignored. On failure the caller still owns ep.
func Open(ctx context.Context, ep Endpoint, timeout time.Duration) (*Link, error) {
	if ep == nil {
		return nil, fmt.Errorf("mavlink: endpoint is nil")
	}
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		msg, err := ep.Recv(hctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, fmt.Errorf("handshake: %w", ctx.Err())
			case hctx.Err() != nil:
				return nil, fmt.Errorf("%w within %s", ErrNoHeartbeat, timeout)
			case errors.Is(err, ErrClosed):
				return nil, fmt.Errorf("%w: link closed during handshake", ErrNoHeartbeat)
			}
			return nil, fmt.Errorf("handshake: %w", err)
		}
		hb, ok := msg.(Heartbeat)
		if !ok || hb.VehicleType == typeGCS {
			continue
		}
		return &Link{
			ep:      ep,
			vehicle: hb,
			modes:   ModeTableFor(hb.Autopilot, hb.VehicleType),
		}, nil
	}
}

// Vehicle is the heartbeat that completed the handshake.
func (l *Link) Vehicle() Heartbeat { return l.vehicle }

func (l *Link) Modes() ModeTable { return l.modes }

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Recv blocks for the next inbound message. It returns ErrClosed after Close
// or once the transport goes away.
func (l *Link) Recv(ctx context.Context) (Message, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}
	return l.ep.Recv(ctx)
}

func (l *Link) TryRecv() (Message, bool) {
	if l.isClosed() {
		return nil, false
	}
	return l.ep.TryRecv()
}

func (l *Link) ResolveMode(name string) (uint32, error) {
	id, ok := l.modes.Lookup(name)
	if !ok {
		fw := l.modes.Firmware()
		if fw == "" {
			fw = "this vehicle"
		}
		return 0, fmt.Errorf("%w: %q is not a %s mode", ErrUnknownMode, name, fw)
	}
	return id, nil
}

// SetMode switches the vehicle to customMode. ArduPilot takes SET_MODE; PX4
// expects DO_SET_MODE with main/sub mode params.
func (l *Link) SetMode(customMode uint32) error {
	if l.modes.px4 {
		main, sub := px4Split(customMode)
		return l.send(CommandFrame{
			TargetSystem:    l.vehicle.SystemID,
			TargetComponent: l.vehicle.ComponentID,
			Command:         cmdDoSetMode,
			Params:          [7]float32{modeFlagCustomModeEnabled, float32(main), float32(sub)},
		})
	}
	return l.send(SetModeFrame{
		TargetSystem: l.vehicle.SystemID,
		BaseMode:     modeFlagCustomModeEnabled,
		CustomMode:   customMode,
	})
}

// SendCommand encodes a named command as COMMAND_LONG to the vehicle.
func (l *Link) SendCommand(name string, params ...float64) error {
	id, p, err := ParseCommand(name, params)
	if err != nil {
		return err
	}
	return l.send(CommandFrame{
		TargetSystem:    l.vehicle.SystemID,
		TargetComponent: l.vehicle.ComponentID,
		Command:         id,
		Params:          p,
	})
}

func (l *Link) send(f Outbound) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: link not open", ErrLink)
	}
	if err := l.ep.Send(f); err != nil {
		return fmt.Errorf("%w: %v", ErrLink, err)
	}
	return nil
}

// Close releases the endpoint. Safe to call more than once. Sends in flight
// finish before Close returns.
func (l *Link) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.ep.Close()
}
