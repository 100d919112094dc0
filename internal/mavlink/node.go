package mavlink

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialect"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// NodeConfig identifies this ground station on the link.
type NodeConfig struct {
	SystemID        uint8
	ComponentID     uint8
	HeartbeatPeriod time.Duration
}

// nodeEndpoint runs a gomavlib node over a caller-owned byte stream.
// The node decodes inbound frames and emits heartbeats. Commands go through
// a frame writer on the caller's goroutine so a failed port write reaches
// the caller instead of the node's writer loop.
type nodeEndpoint struct {
	node *gomavlib.Node

	wmu sync.Mutex
	out *frame.Writer
}

// borrowed hides Close from gomavlib so the transport keeps a single owner.
// The owner closes the transport, which unblocks the node's reader.
type borrowed struct {
	io.ReadWriter
}

func (borrowed) Close() error { return nil }

// NewNodeEndpoint starts a MAVLink v2 node speaking the common dialect over rw.
// rw is not closed by the endpoint.
func NewNodeEndpoint(rw io.ReadWriter, cfg NodeConfig) (Endpoint, error) {
	if rw == nil {
		return nil, fmt.Errorf("mavlink: transport is nil")
	}
	if cfg.SystemID == 0 {
		cfg.SystemID = 255
	}
	if cfg.ComponentID == 0 {
		cfg.ComponentID = 190
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = time.Second
	}

	dialectRW, err := dialect.NewReadWriter(common.Dialect)
	if err != nil {
		return nil, fmt.Errorf("mavlink: load dialect: %w", err)
	}
	out, err := frame.NewWriter(frame.WriterConf{
		Writer:         rw,
		DialectRW:      dialectRW,
		OutVersion:     frame.V2,
		OutSystemID:    cfg.SystemID,
		OutComponentID: cfg.ComponentID,
	})
	if err != nil {
		return nil, fmt.Errorf("mavlink: frame writer: %w", err)
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints: []gomavlib.EndpointConf{
			gomavlib.EndpointCustom{ReadWriteCloser: borrowed{rw}},
		},
		Dialect:         common.Dialect,
		OutVersion:      gomavlib.V2,
		OutSystemID:     cfg.SystemID,
		OutComponentID:  cfg.ComponentID,
		HeartbeatPeriod: cfg.HeartbeatPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("mavlink: start node: %w", err)
	}
	return &nodeEndpoint{node: node, out: out}, nil
}

func (e *nodeEndpoint) Recv(ctx context.Context) (Message, error) {
	events := e.node.Events()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil, ErrClosed
			}
			if msg, done, err := e.handle(evt); done {
				return msg, err
			}
		}
	}
}

func (e *nodeEndpoint) TryRecv() (Message, bool) {
	events := e.node.Events()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil, false
			}
			msg, done, err := e.handle(evt)
			if !done {
				continue
			}
			return msg, err == nil
		default:
			return nil, false
		}
	}
}

// handle reports done=false for events that carry nothing for the caller.
func (e *nodeEndpoint) handle(evt gomavlib.Event) (Message, bool, error) {
	switch evt := evt.(type) {
	case *gomavlib.EventFrame:
		return decode(evt.SystemID(), evt.ComponentID(), evt.Message()), true, nil
	case *gomavlib.EventChannelClose:
		// Custom endpoints do not reconnect: the transport is gone.
		return nil, true, ErrClosed
	}
	return nil, false, nil
}

func (e *nodeEndpoint) Send(f Outbound) error {
	var msg message.Message
	switch f := f.(type) {
	case SetModeFrame:
		msg = &common.MessageSetMode{
			TargetSystem: f.TargetSystem,
			BaseMode:     common.MAV_MODE(f.BaseMode),
			CustomMode:   f.CustomMode,
		}
	case CommandFrame:
		msg = &common.MessageCommandLong{
			TargetSystem:    f.TargetSystem,
			TargetComponent: f.TargetComponent,
			Command:         common.MAV_CMD(f.Command),
			Confirmation:    f.Confirmation,
			Param1:          f.Params[0],
			Param2:          f.Params[1],
			Param3:          f.Params[2],
			Param4:          f.Params[3],
			Param5:          f.Params[4],
			Param6:          f.Params[5],
			Param7:          f.Params[6],
		}
	default:
		return fmt.Errorf("mavlink: unsupported frame %T", f)
	}

	// frame.Writer keeps a sequence counter and a scratch buffer.
	e.wmu.Lock()
	defer e.wmu.Unlock()
	return e.out.WriteMessage(msg)
}

func (e *nodeEndpoint) Close() error {
	e.node.Close()
	return nil
}

func decode(sysID, compID uint8, m message.Message) Message {
	h := Header{SystemID: sysID, ComponentID: compID}
	switch m := m.(type) {
	case *common.MessageHeartbeat:
		return Heartbeat{
			Header:       h,
			VehicleType:  uint32(m.Type),
			Autopilot:    uint32(m.Autopilot),
			BaseMode:     uint8(m.BaseMode),
			CustomMode:   m.CustomMode,
			SystemStatus: uint8(m.SystemStatus),
		}
	case *common.MessageAttitude:
		return Attitude{
			Header:     h,
			TimeBootMs: m.TimeBootMs,
			Roll:       f32(m.Roll),
			Pitch:      f32(m.Pitch),
			Yaw:        f32(m.Yaw),
		}
	case *common.MessageGlobalPositionInt:
		p := GlobalPosition{
			Header:       h,
			TimeBootMs:   m.TimeBootMs,
			LatDeg:       float64(m.Lat) / 1e7,
			LonDeg:       float64(m.Lon) / 1e7,
			AltM:         float64(m.Alt) / 1000,
			RelativeAltM: float64(m.RelativeAlt) / 1000,
		}
		// UINT16_MAX means unknown.
		if m.Hdg != math.MaxUint16 {
			hdg := float64(m.Hdg) / 100
			p.HeadingDeg = &hdg
		}
		return p
	case *common.MessageSysStatus:
		s := SysStatus{Header: h, VoltageV: float64(m.VoltageBattery) / 1000}
		if m.CurrentBattery >= 0 {
			a := float64(m.CurrentBattery) / 100
			s.CurrentA = &a
		}
		if m.BatteryRemaining >= 0 {
			r := int(m.BatteryRemaining)
			s.BatteryRemaining = &r
		}
		return s
	case *common.MessageCommandAck:
		return CommandAck{Header: h, Command: uint16(m.Command), Result: uint8(m.Result)}
	}
	return Unrecognized{Header: h, ID: m.GetID()}
}

// f32 widens a wire float32 to the shortest float64 that prints the same, so
// 0.1f reads back as 0.1 rather than 0.10000000149011612.
func f32(v float32) float64 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return float64(v)
	}
	out, err := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'g', -1, 32), 64)
	if err != nil {
		return float64(v)
	}
	return out
}
