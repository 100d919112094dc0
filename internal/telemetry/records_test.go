package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronelink/internal/mavlink"
)

func TestFold(t *testing.T) {
	modes := mavlink.ModeTableFor(3, 2)

	rec, ok := Fold(mavlink.Attitude{TimeBootMs: 1000, Pitch: 0.1, Roll: 0.2, Yaw: 0.3}, modes)
	require.True(t, ok)
	assert.Equal(t, AttitudeRecord{Pitch: 0.1, Roll: 0.2, Yaw: 0.3, Time: 1000}, rec)

	rec, ok = Fold(mavlink.GlobalPosition{TimeBootMs: 5, LatDeg: 1.5, LonDeg: 2.5, AltM: 100}, modes)
	require.True(t, ok)
	assert.Equal(t, PositionRecord{Lat: 1.5, Lon: 2.5, Alt: 100, Time: 5}, rec)

	rec, ok = Fold(mavlink.Heartbeat{CustomMode: 6, BaseMode: 0x81, SystemStatus: 4}, modes)
	require.True(t, ok)
	assert.Equal(t, HeartbeatRecord{Mode: "RTL", CustomMode: 6, Armed: true, SystemStatus: 4}, rec)

	rec, ok = Fold(mavlink.CommandAck{Command: 400, Result: 4}, modes)
	require.True(t, ok)
	assert.Equal(t, "failed", rec.(CommandAckRecord).Status)

	rec, ok = Fold(mavlink.CommandAck{Command: 400, Result: 42}, modes)
	require.True(t, ok)
	assert.Equal(t, "unknown", rec.(CommandAckRecord).Status)

	_, ok = Fold(mavlink.Unrecognized{ID: 74}, modes)
	assert.False(t, ok)
	_, ok = Fold(nil, modes)
	assert.False(t, ok)
}

func TestAttitudeRecord_JSON(t *testing.T) {
	b, err := json.Marshal(AttitudeRecord{Pitch: 0.1, Roll: 0.2, Yaw: 0.3, Time: 1000})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pitch":0.1,"roll":0.2,"yaw":0.3,"time":1000}`, string(b))
}
