package mavlink_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronelink/internal/mavlink"
	"dronelink/internal/mavlink/mavlinktest"
)

func openCopter(t *testing.T) (*mavlink.Link, *mavlinktest.Endpoint) {
	t.Helper()
	ep := mavlinktest.New()
	ep.Push(mavlinktest.CopterHeartbeat())
	l, err := mavlink.Open(context.Background(), ep, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, ep
}

func TestOpen_WaitsForVehicleHeartbeat(t *testing.T) {
	ep := mavlinktest.New()
	ep.Push(
		mavlink.Attitude{TimeBootMs: 5},
		mavlinktest.GCSHeartbeat(),
		mavlinktest.CopterHeartbeat(),
	)

	l, err := mavlink.Open(context.Background(), ep, time.Second)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, uint8(1), l.Vehicle().SystemID)
	assert.Equal(t, "ArduCopter", l.Modes().Firmware())
}

func TestOpen_NoHeartbeatIsBounded(t *testing.T) {
	ep := mavlinktest.New()
	ep.Push(mavlinktest.GCSHeartbeat())

	start := time.Now()
	_, err := mavlink.Open(context.Background(), ep, 50*time.Millisecond)
	require.ErrorIs(t, err, mavlink.ErrNoHeartbeat)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, ep.Closed(), "caller keeps ownership of the endpoint on failure")
}

func TestOpen_ClosedEndpoint(t *testing.T) {
	ep := mavlinktest.New()
	require.NoError(t, ep.Close())

	_, err := mavlink.Open(context.Background(), ep, time.Second)
	require.ErrorIs(t, err, mavlink.ErrNoHeartbeat)
}

func TestOpen_CanceledByCaller(t *testing.T) {
	ep := mavlinktest.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := mavlink.Open(ctx, ep, 10*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, mavlink.ErrNoHeartbeat))
}

func TestResolveMode(t *testing.T) {
	l, _ := openCopter(t)

	id, err := l.ResolveMode("GUIDED")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), id)

	_, err = l.ResolveMode("guided")
	require.ErrorIs(t, err, mavlink.ErrUnknownMode, "lookup is case-sensitive")

	_, err = l.ResolveMode("not_a_real_mode")
	require.ErrorIs(t, err, mavlink.ErrUnknownMode)
}

func TestSetMode_ArduPilotUsesSetMode(t *testing.T) {
	l, ep := openCopter(t)

	require.NoError(t, l.SetMode(6))
	sent := ep.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mavlink.SetModeFrame{TargetSystem: 1, BaseMode: 1, CustomMode: 6}, sent[0])
}

func TestSetMode_PX4UsesDoSetMode(t *testing.T) {
	ep := mavlinktest.New()
	hb := mavlinktest.CopterHeartbeat()
	hb.Autopilot = 12
	ep.Push(hb)
	l, err := mavlink.Open(context.Background(), ep, time.Second)
	require.NoError(t, err)
	defer l.Close()

	id, err := l.ResolveMode("MISSION")
	require.NoError(t, err)
	require.NoError(t, l.SetMode(id))

	sent := ep.Sent()
	require.Len(t, sent, 1)
	cf, ok := sent[0].(mavlink.CommandFrame)
	require.True(t, ok, "got %T", sent[0])
	assert.Equal(t, uint16(176), cf.Command)
	assert.Equal(t, [7]float32{1, 4, 4}, cf.Params)
}

func TestSendCommand(t *testing.T) {
	l, ep := openCopter(t)

	require.NoError(t, l.SendCommand("arm"))
	require.NoError(t, l.SendCommand("TAKEOFF", 0, 0, 0, 0, 0, 0, 10))

	sent := ep.Sent()
	require.Len(t, sent, 2)
	arm := sent[0].(mavlink.CommandFrame)
	assert.Equal(t, uint16(400), arm.Command)
	assert.Equal(t, float32(1), arm.Params[0])
	assert.Equal(t, uint8(1), arm.TargetSystem)
	assert.Equal(t, uint8(1), arm.TargetComponent)

	takeoff := sent[1].(mavlink.CommandFrame)
	assert.Equal(t, uint16(22), takeoff.Command)
	assert.Equal(t, float32(10), takeoff.Params[6])

	err := l.SendCommand("do_a_barrel_roll")
	require.ErrorIs(t, err, mavlink.ErrUnknownCommand)
	assert.Len(t, ep.Sent(), 2)
}

func TestSend_WriteFailureIsLinkError(t *testing.T) {
	l, ep := openCopter(t)
	ep.SetSendError(errors.New("write: input/output error"))

	require.ErrorIs(t, l.SendCommand("DISARM"), mavlink.ErrLink)
	require.ErrorIs(t, l.SetMode(0), mavlink.ErrLink)
}

func TestClose_RejectsFurtherTraffic(t *testing.T) {
	l, ep := openCopter(t)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.True(t, ep.Closed())

	require.ErrorIs(t, l.SendCommand("ARM"), mavlink.ErrLink)
	_, err := l.Recv(context.Background())
	require.ErrorIs(t, err, mavlink.ErrClosed)
	_, ok := l.TryRecv()
	assert.False(t, ok)
}

func TestRecv_ReturnsWhenEndpointCloses(t *testing.T) {
	l, ep := openCopter(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = l.Recv(context.Background())
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ep.Close())
	wg.Wait()
	require.ErrorIs(t, err, mavlink.ErrClosed)
}

func TestTryRecv(t *testing.T) {
	l, ep := openCopter(t)

	_, ok := l.TryRecv()
	assert.False(t, ok)

	ep.Push(mavlink.Attitude{TimeBootMs: 7})
	msg, ok := l.TryRecv()
	require.True(t, ok)
	assert.Equal(t, uint32(7), msg.(mavlink.Attitude).TimeBootMs)
}
