// Package udp forwards telemetry updates as JSON datagrams, one update per
// datagram, for dashboards and loggers on the local network.
package udp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"dronelink/internal/telemetry"
)

type Forwarder struct {
	dest string
	conn *net.UDPConn

	sent   atomic.Uint64
	errors atomic.Uint64
}

func NewForwarder(dest string) (*Forwarder, error) {
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Forwarder{dest: dest, conn: conn}, nil
}

func (f *Forwarder) Dest() string { return f.dest }

func (f *Forwarder) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := f.conn.Write(payload)
	return err
}

// Run forwards every update on bus until ctx is done. Send failures are
// counted and logged at debug; a missing listener is not an error for UDP.
func (f *Forwarder) Run(ctx context.Context, bus *telemetry.Broadcaster, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	id, ch := bus.Subscribe(128)
	if ch == nil {
		return fmt.Errorf("udp forward: no telemetry bus")
	}
	defer bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-ch:
			if !ok {
				return nil
			}
			b, err := json.Marshal(u)
			if err != nil {
				return fmt.Errorf("udp forward: marshal %s: %w", u.Kind, err)
			}
			if err := f.Send(b); err != nil {
				if f.errors.Add(1) == 1 {
					log.Warn("udp forward send failed", zap.String("dest", f.dest), zap.Error(err))
				} else {
					log.Debug("udp forward send failed", zap.String("dest", f.dest), zap.Error(err))
				}
				continue
			}
			f.sent.Add(1)
		}
	}
}

// Stats returns datagrams sent and send failures.
func (f *Forwarder) Stats() (sent, failed uint64) {
	return f.sent.Load(), f.errors.Load()
}

func (f *Forwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}
