// Package mavlinktest provides an in-memory mavlink.Endpoint for tests.
package mavlinktest

import (
	"context"
	"sync"

	"dronelink/internal/mavlink"
)

// Endpoint is a scripted mavlink.Endpoint. Messages pushed with Push are
// delivered by Recv in order; frames passed to Send are recorded.
type Endpoint struct {
	in     chan mavlink.Message
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	sent    []mavlink.Outbound
	sendErr error
}

func New() *Endpoint {
	return &Endpoint{
		in:     make(chan mavlink.Message, 256),
		closed: make(chan struct{}),
	}
}

// Push queues inbound messages. It does not block unless 256 are pending.
func (e *Endpoint) Push(msgs ...mavlink.Message) {
	for _, m := range msgs {
		e.in <- m
	}
}

func (e *Endpoint) Recv(ctx context.Context) (mavlink.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, mavlink.ErrClosed
	case m := <-e.in:
		return m, nil
	}
}

func (e *Endpoint) TryRecv() (mavlink.Message, bool) {
	select {
	case <-e.closed:
		return nil, false
	case m := <-e.in:
		return m, true
	default:
		return nil, false
	}
}

func (e *Endpoint) Send(f mavlink.Outbound) error {
	if e.Closed() {
		return mavlink.ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendErr != nil {
		return e.sendErr
	}
	e.sent = append(e.sent, f)
	return nil
}

// SetSendError makes every following Send fail with err.
func (e *Endpoint) SetSendError(err error) {
	e.mu.Lock()
	e.sendErr = err
	e.mu.Unlock()
}

func (e *Endpoint) Sent() []mavlink.Outbound {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]mavlink.Outbound(nil), e.sent...)
}

// Close unblocks Recv with mavlink.ErrClosed, as a vanished transport would.
func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}

func (e *Endpoint) Closed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// CopterHeartbeat is an ArduCopter quad in STABILIZE, disarmed.
func CopterHeartbeat() mavlink.Heartbeat {
	return mavlink.Heartbeat{
		Header:       mavlink.Header{SystemID: 1, ComponentID: 1},
		VehicleType:  2,
		Autopilot:    3,
		BaseMode:     0x01,
		SystemStatus: 3,
	}
}

// GCSHeartbeat is another ground station on the same link.
func GCSHeartbeat() mavlink.Heartbeat {
	return mavlink.Heartbeat{
		Header:      mavlink.Header{SystemID: 255, ComponentID: 190},
		VehicleType: 6,
		Autopilot:   8,
	}
}
