// Package mavlink is the protocol link between a serial transport and the
// rest of dronelink: heartbeat handshake, decoding inbound traffic into a
// closed set of message kinds, mode resolution and command encoding.
//
// Wire encoding itself is delegated to gomavlib; see node.go.
package mavlink

// Message is an inbound message. The set of implementations is closed:
// Heartbeat, Attitude, GlobalPosition, SysStatus, CommandAck and Unrecognized.
type Message interface {
	isMessage()
}

// Header identifies the sender of an inbound message.
type Header struct {
	SystemID    uint8
	ComponentID uint8
}

type Heartbeat struct {
	Header
	VehicleType  uint32
	Autopilot    uint32
	BaseMode     uint8
	CustomMode   uint32
	SystemStatus uint8
}

// Armed reports MAV_MODE_FLAG_SAFETY_ARMED.
func (h Heartbeat) Armed() bool { return h.BaseMode&0x80 != 0 }

// Attitude angles are radians.
type Attitude struct {
	Header
	TimeBootMs uint32
	Roll       float64
	Pitch      float64
	Yaw        float64
}

// GlobalPosition carries the fused position estimate.
type GlobalPosition struct {
	Header
	TimeBootMs   uint32
	LatDeg       float64
	LonDeg       float64
	AltM         float64 // MSL
	RelativeAltM float64
	HeadingDeg   *float64
}

type SysStatus struct {
	Header
	VoltageV         float64
	CurrentA         *float64
	BatteryRemaining *int
}

type CommandAck struct {
	Header
	Command uint16
	Result  uint8
}

// Unrecognized is any decoded message the link does not interpret.
type Unrecognized struct {
	Header
	ID uint32
}

func (Heartbeat) isMessage()      {}
func (Attitude) isMessage()       {}
func (GlobalPosition) isMessage() {}
func (SysStatus) isMessage()      {}
func (CommandAck) isMessage()     {}
func (Unrecognized) isMessage()   {}

// Outbound is a frame the link asks the endpoint to transmit. Implementations:
// SetModeFrame and CommandFrame.
type Outbound interface {
	isOutbound()
}

type SetModeFrame struct {
	TargetSystem uint8
	BaseMode     uint8
	CustomMode   uint32
}

type CommandFrame struct {
	TargetSystem    uint8
	TargetComponent uint8
	Command         uint16
	Confirmation    uint8
	Params          [7]float32
}

func (SetModeFrame) isOutbound() {}
func (CommandFrame) isOutbound() {}
