// Package telemetry folds inbound MAVLink traffic into a per-kind snapshot of
// the latest values and fans updates out to live subscribers.
package telemetry

import (
	"dronelink/internal/mavlink"
)

// Kind names one independently-updated group of telemetry fields.
type Kind string

const (
	KindAttitude   Kind = "attitude"
	KindPosition   Kind = "position"
	KindHeartbeat  Kind = "heartbeat"
	KindBattery    Kind = "battery"
	KindCommandAck Kind = "command_ack"
)

// Record is one kind's field set. Records are values and never mutated after
// being stored.
type Record interface {
	Kind() Kind
}

type AttitudeRecord struct {
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
	Yaw   float64 `json:"yaw"`
	Time  uint32  `json:"time"`
}

type PositionRecord struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Alt  float64 `json:"alt"`
	Time uint32  `json:"time"`
}

type HeartbeatRecord struct {
	Mode         string `json:"mode,omitempty"`
	CustomMode   uint32 `json:"custom_mode"`
	Armed        bool   `json:"armed"`
	SystemStatus uint8  `json:"system_status"`
}

type BatteryRecord struct {
	Voltage   float64  `json:"voltage"`
	Current   *float64 `json:"current,omitempty"`
	Remaining *int     `json:"remaining,omitempty"`
}

type CommandAckRecord struct {
	Command uint16 `json:"command"`
	Result  uint8  `json:"result"`
	Status  string `json:"status"`
}

func (AttitudeRecord) Kind() Kind   { return KindAttitude }
func (PositionRecord) Kind() Kind   { return KindPosition }
func (HeartbeatRecord) Kind() Kind  { return KindHeartbeat }
func (BatteryRecord) Kind() Kind    { return KindBattery }
func (CommandAckRecord) Kind() Kind { return KindCommandAck }

// MAV_RESULT names.
var ackResults = map[uint8]string{
	0: "accepted",
	1: "temporarily_rejected",
	2: "denied",
	3: "unsupported",
	4: "failed",
	5: "in_progress",
	6: "cancelled",
}

// Fold maps a message to the record it updates. ok is false for kinds that
// carry nothing for the snapshot.
func Fold(msg mavlink.Message, modes mavlink.ModeTable) (rec Record, ok bool) {
	switch m := msg.(type) {
	case mavlink.Attitude:
		return AttitudeRecord{Pitch: m.Pitch, Roll: m.Roll, Yaw: m.Yaw, Time: m.TimeBootMs}, true
	case mavlink.GlobalPosition:
		return PositionRecord{Lat: m.LatDeg, Lon: m.LonDeg, Alt: m.AltM, Time: m.TimeBootMs}, true
	case mavlink.Heartbeat:
		name, _ := modes.Name(m.CustomMode)
		return HeartbeatRecord{Mode: name, CustomMode: m.CustomMode, Armed: m.Armed(), SystemStatus: m.SystemStatus}, true
	case mavlink.SysStatus:
		return BatteryRecord{Voltage: m.VoltageV, Current: m.CurrentA, Remaining: m.BatteryRemaining}, true
	case mavlink.CommandAck:
		status, known := ackResults[m.Result]
		if !known {
			status = "unknown"
		}
		return CommandAckRecord{Command: m.Command, Result: m.Result, Status: status}, true
	case mavlink.Unrecognized:
		return nil, false
	}
	return nil, false
}
