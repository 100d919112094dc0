package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dronelink/internal/mavlink"
	"dronelink/internal/mavlink/mavlinktest"
	"dronelink/internal/serial"
	"dronelink/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTransport struct {
	path string
	ep   *mavlinktest.Endpoint
	op   *fakeOpener

	mu     sync.Mutex
	closed bool
}

// Close drops the endpoint like an unplugged cable would.
func (t *fakeTransport) Close() error {
	t.mu.Lock()
	already := t.closed
	t.closed = true
	t.mu.Unlock()
	if already {
		return nil
	}
	_ = t.ep.Close()
	t.op.release(t.path)
	return nil
}

func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

type fakeOpener struct {
	mu        sync.Mutex
	held      map[string]bool
	opened    []*fakeTransport
	openErr   error
	heartbeat bool
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{held: map[string]bool{}, heartbeat: true}
}

func (o *fakeOpener) OpenTransport(path string, baud int) (Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	if o.held[path] {
		return nil, fmt.Errorf("open serial %s: %w", path, serial.ErrPortBusy)
	}
	o.held[path] = true
	t := &fakeTransport{path: path, ep: mavlinktest.New(), op: o}
	if o.heartbeat {
		t.ep.Push(mavlinktest.CopterHeartbeat())
	}
	o.opened = append(o.opened, t)
	return t, nil
}

func (o *fakeOpener) OpenEndpoint(t Transport) (mavlink.Endpoint, error) {
	return t.(*fakeTransport).ep, nil
}

func (o *fakeOpener) release(path string) {
	o.mu.Lock()
	delete(o.held, path)
	o.mu.Unlock()
}

func (o *fakeOpener) setHeartbeat(v bool) {
	o.mu.Lock()
	o.heartbeat = v
	o.mu.Unlock()
}

func (o *fakeOpener) last() *fakeTransport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[len(o.opened)-1]
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, t := range o.opened {
		if t.IsOpen() {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, op Opener) *Manager {
	t.Helper()
	m := NewManager(Config{Opener: op, HandshakeTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { m.Disconnect() })
	return m
}

func connect(t *testing.T, m *Manager, port string) {
	t.Helper()
	require.NoError(t, m.Connect(context.Background(), port, 0))
	require.Equal(t, Connected, m.Status().Status)
}

func TestConnect_OpenFailureLeavesDisconnected(t *testing.T) {
	op := newFakeOpener()
	op.openErr = fmt.Errorf("open serial /dev/nope: %w", serial.ErrPortNotFound)
	m := newTestManager(t, op)

	err := m.Connect(context.Background(), "/dev/nope", 57600)
	require.ErrorIs(t, err, ErrConnection)
	require.ErrorIs(t, err, serial.ErrPortNotFound)

	st := m.Status()
	assert.Equal(t, Disconnected, st.Status)
	assert.Contains(t, st.LastError, "port not found")

	_, err = m.Telemetry()
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnect_NoHeartbeatReleasesPort(t *testing.T) {
	op := newFakeOpener()
	op.setHeartbeat(false)
	m := newTestManager(t, op)

	err := m.Connect(context.Background(), "/dev/ttyUSB0", 57600)
	require.ErrorIs(t, err, ErrHandshake)
	require.ErrorIs(t, err, mavlink.ErrNoHeartbeat)
	assert.Equal(t, Disconnected, m.Status().Status)
	assert.Equal(t, 0, op.openCount())

	op.setHeartbeat(true)
	connect(t, m, "/dev/ttyUSB0")
}

func TestConnect_DefaultBaud(t *testing.T) {
	m := newTestManager(t, newFakeOpener())
	connect(t, m, "/dev/ttyUSB0")
	assert.Equal(t, DefaultBaud, m.Status().Baud)
}

func TestDisconnect_Idempotent(t *testing.T) {
	m := newTestManager(t, newFakeOpener())
	assert.False(t, m.Disconnect())

	connect(t, m, "/dev/ttyUSB0")
	assert.True(t, m.Disconnect())
	assert.False(t, m.Disconnect())
	assert.Equal(t, Disconnected, m.Status().Status)
}

func TestConnect_ReplacesPreviousSession(t *testing.T) {
	op := newFakeOpener()
	m := newTestManager(t, op)

	connect(t, m, "/dev/ttyUSB0")
	first := op.last()
	connect(t, m, "/dev/ttyUSB0")
	connect(t, m, "/dev/ttyACM0")

	assert.False(t, first.IsOpen())
	assert.Equal(t, 1, op.openCount())
	assert.Equal(t, "/dev/ttyACM0", m.Status().Port)
	assert.Equal(t, uint64(3), m.Status().Session)
}

func TestTelemetry_EmptyAfterConnect(t *testing.T) {
	m := newTestManager(t, newFakeOpener())
	_, err := m.Telemetry()
	require.ErrorIs(t, err, ErrNotConnected)

	connect(t, m, "/dev/ttyUSB0")
	snap, err := m.Telemetry()
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestTelemetry_AttitudeEndToEnd(t *testing.T) {
	op := newFakeOpener()
	m := newTestManager(t, op)
	connect(t, m, "/dev/ttyUSB0")

	op.last().ep.Push(mavlink.Attitude{
		Header:     mavlink.Header{SystemID: 1, ComponentID: 1},
		TimeBootMs: 1000,
		Roll:       0.2,
		Pitch:      0.1,
		Yaw:        0.3,
	})

	var snap telemetry.Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = m.Telemetry()
		require.NoError(t, err)
		_, ok := snap.Get(telemetry.KindAttitude)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	e, _ := snap.Get(telemetry.KindAttitude)
	assert.Equal(t, telemetry.AttitudeRecord{Pitch: 0.1, Roll: 0.2, Yaw: 0.3, Time: 1000}, e.Record)
	_, hasPos := snap.Get(telemetry.KindPosition)
	assert.False(t, hasPos)
}

func TestTelemetry_ConcurrentReadsSeeWholeRecords(t *testing.T) {
	op := newFakeOpener()
	m := newTestManager(t, op)
	connect(t, m, "/dev/ttyUSB0")
	ep := op.last().ep

	const n = 200
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := m.Telemetry()
				if err != nil {
					continue
				}
				e, ok := snap.Get(telemetry.KindAttitude)
				if !ok {
					continue
				}
				a := e.Record.(telemetry.AttitudeRecord)
				if a.Pitch != a.Roll || a.Roll != a.Yaw || uint32(a.Pitch) != a.Time {
					t.Errorf("mixed record: %+v", a)
					return
				}
			}
		}()
	}
	for i := 1; i <= n; i++ {
		v := float64(i)
		ep.Push(mavlink.Attitude{Header: mavlink.Header{SystemID: 1}, TimeBootMs: uint32(i), Roll: v, Pitch: v, Yaw: v})
	}
	require.Eventually(t, func() bool {
		snap, _ := m.Telemetry()
		e, ok := snap.Get(telemetry.KindAttitude)
		return ok && e.Record.(telemetry.AttitudeRecord).Time == n
	}, 2*time.Second, 5*time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestChangeMode(t *testing.T) {
	op := newFakeOpener()
	m := newTestManager(t, op)
	require.ErrorIs(t, m.ChangeMode("GUIDED"), ErrNotConnected)

	connect(t, m, "/dev/ttyUSB0")
	require.NoError(t, m.ChangeMode("GUIDED"))
	assert.Equal(t, []mavlink.Outbound{
		mavlink.SetModeFrame{TargetSystem: 1, BaseMode: 1, CustomMode: 4},
	}, op.last().ep.Sent())
}

func TestChangeMode_UnknownKeepsSession(t *testing.T) {
	op := newFakeOpener()
	m := newTestManager(t, op)
	connect(t, m, "/dev/ttyUSB0")

	require.ErrorIs(t, m.ChangeMode("guided"), ErrUnknownMode)
	require.ErrorIs(t, m.ChangeMode("WARP"), ErrUnknownMode)
	assert.Equal(t, Connected, m.Status().Status)
	assert.Empty(t, op.last().ep.Sent())
}

func TestSendCommand(t *testing.T) {
	op := newFakeOpener()
	m := newTestManager(t, op)
	require.ErrorIs(t, m.SendCommand("ARM", nil), ErrNotConnected)

	connect(t, m, "/dev/ttyUSB0")
	require.NoError(t, m.SendCommand("arm", nil))
	require.ErrorIs(t, m.SendCommand("FLY", nil), ErrUnknownCommand)

	sent := op.last().ep.Sent()
	require.Len(t, sent, 1)
	f := sent[0].(mavlink.CommandFrame)
	assert.Equal(t, uint16(400), f.Command)
	assert.Equal(t, float32(1), f.Params[0])
	assert.Equal(t, uint8(1), f.TargetSystem)
}

func TestSendCommand_WriteFailureIsLinkError(t *testing.T) {
	op := newFakeOpener()
	m := newTestManager(t, op)
	connect(t, m, "/dev/ttyUSB0")

	op.last().ep.SetSendError(errors.New("write: input/output error"))
	require.ErrorIs(t, m.SendCommand("LAND", nil), ErrLink)
	require.ErrorIs(t, m.ChangeMode("LAND"), ErrLink)
}

func TestLinkLoss_FlipsToDisconnected(t *testing.T) {
	op := newFakeOpener()
	m := newTestManager(t, op)
	connect(t, m, "/dev/ttyUSB0")

	_ = op.last().ep.Close()

	require.Eventually(t, func() bool {
		return m.Status().Status == Disconnected
	}, 2*time.Second, 5*time.Millisecond)
	_, err := m.Telemetry()
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, m.ChangeMode("GUIDED"), ErrNotConnected)
	assert.Contains(t, m.Status().LastError, "link closed")
	assert.Equal(t, 0, op.openCount())

	assert.False(t, m.Disconnect())
}

func TestLinkLoss_ClosesLink(t *testing.T) {
	op := newFakeOpener()
	m := newTestManager(t, op)
	connect(t, m, "/dev/ttyUSB0")

	s := m.current.Load()
	require.NotNil(t, s)

	// Pull the port, not the endpoint: the link must go down with it.
	_ = op.last().Close()

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("ingestor did not stop after the port dropped")
	}
	assert.True(t, s.lost.Load())
	assert.Equal(t, Disconnected, m.Status().Status)

	err := s.link.SendCommand("ARM")
	require.ErrorIs(t, err, mavlink.ErrLink)
	assert.Contains(t, err.Error(), "link not open")
	assert.Empty(t, op.last().ep.Sent())
}

func TestDisconnect_CancelsHandshake(t *testing.T) {
	op := newFakeOpener()
	op.setHeartbeat(false)
	m := NewManager(Config{Opener: op, HandshakeTimeout: time.Minute})

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), "/dev/ttyUSB0", 57600) }()

	require.Eventually(t, func() bool {
		return m.Status().Status == Connecting
	}, 2*time.Second, time.Millisecond)
	assert.False(t, m.Disconnect())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrHandshake)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after disconnect")
	}
	assert.Equal(t, 0, op.openCount())
}

func TestConnect_PublishesWithSessionID(t *testing.T) {
	op := newFakeOpener()
	bus := telemetry.NewBroadcaster()
	var infos []Info
	m := NewManager(Config{
		Opener:           op,
		HandshakeTimeout: 100 * time.Millisecond,
		Bus:              bus,
		OnConnect:        func(i Info) { infos = append(infos, i) },
	})
	t.Cleanup(func() { m.Disconnect() })

	id, ch := bus.Subscribe(8)
	defer bus.Unsubscribe(id)

	connect(t, m, "/dev/ttyUSB0")
	require.Len(t, infos, 1)
	assert.Equal(t, "/dev/ttyUSB0", infos[0].Port)
	assert.Equal(t, uint8(1), infos[0].Vehicle.SystemID)

	op.last().ep.Push(mavlink.Attitude{Header: mavlink.Header{SystemID: 1}, TimeBootMs: 5})
	select {
	case u := <-ch:
		assert.Equal(t, infos[0].ID, u.Session)
		assert.Equal(t, telemetry.KindAttitude, u.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
	}
}

func TestModes(t *testing.T) {
	m := newTestManager(t, newFakeOpener())
	_, _, err := m.Modes()
	require.ErrorIs(t, err, ErrNotConnected)

	connect(t, m, "/dev/ttyUSB0")
	fw, names, err := m.Modes()
	require.NoError(t, err)
	assert.Equal(t, "ArduCopter", fw)
	assert.Contains(t, names, "GUIDED")
	assert.Contains(t, names, "STABILIZE")
}
