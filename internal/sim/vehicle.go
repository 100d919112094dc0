package sim

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"dronelink/internal/mavlink"
)

// Scheme prefixes port paths that select a simulated vehicle.
const Scheme = "sim://"

type VehicleConfig struct {
	// Kind is copter, plane, rover, sub or px4.
	Kind     string
	SystemID uint8
	Track    Track
	// Rate is the attitude/position period. Heartbeats go out once a second.
	Rate time.Duration
}

var vehicleTypes = map[string]struct{ vtype, autopilot uint32 }{
	"copter": {2, 3},
	"plane":  {1, 3},
	"rover":  {10, 3},
	"sub":    {12, 3},
	"px4":    {2, 12},
}

// Kinds lists the supported simulated vehicle kinds.
func Kinds() []string {
	return []string{"copter", "plane", "rover", "sub", "px4"}
}

// KindFromPath extracts the vehicle kind from "sim://<kind>". A bare
// "sim://" yields an empty kind.
func KindFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, Scheme) {
		return "", false
	}
	return strings.TrimPrefix(path, Scheme), true
}

// Vehicle is a running simulated autopilot. It implements mavlink.Endpoint
// and owns no OS resources.
type Vehicle struct {
	cfg       VehicleConfig
	vtype     uint32
	autopilot uint32
	boot      time.Time

	out    chan mavlink.Message
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu         sync.Mutex
	customMode uint32
	armed      bool
	batteryV   float64
}

func NewVehicle(cfg VehicleConfig) (*Vehicle, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		kind = "copter"
	}
	vt, ok := vehicleTypes[kind]
	if !ok {
		return nil, fmt.Errorf("sim: unknown vehicle %q (want one of %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	cfg.Kind = kind
	if cfg.SystemID == 0 {
		cfg.SystemID = 1
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 100 * time.Millisecond
	}

	v := &Vehicle{
		cfg:       cfg,
		vtype:     vt.vtype,
		autopilot: vt.autopilot,
		boot:      time.Now(),
		out:       make(chan mavlink.Message, 64),
		closed:    make(chan struct{}),
		batteryV:  12.6,
	}
	if kind == "px4" {
		// MANUAL
		v.customMode = 1 << 16
	}
	v.emit(v.heartbeat())
	v.wg.Add(1)
	go v.run()
	return v, nil
}

func (v *Vehicle) header() mavlink.Header {
	return mavlink.Header{SystemID: v.cfg.SystemID, ComponentID: 1}
}

func (v *Vehicle) run() {
	defer v.wg.Done()
	tick := time.NewTicker(v.cfg.Rate)
	defer tick.Stop()
	lastHB := time.Now()

	for {
		select {
		case <-v.closed:
			return
		case now := <-tick.C:
			el := now.Sub(v.boot)
			v.emit(v.attitude(el))
			v.emit(v.position(el))
			if now.Sub(lastHB) >= time.Second {
				lastHB = now
				v.emit(v.heartbeat())
				v.emit(v.sysStatus())
			}
		}
	}
}

// emit discards the oldest queued message when the reader falls behind, so
// a slow reader always sees the most recent traffic.
func (v *Vehicle) emit(m mavlink.Message) {
	for {
		select {
		case v.out <- m:
			return
		default:
		}
		select {
		case <-v.out:
		default:
		}
	}
}

func (v *Vehicle) heartbeat() mavlink.Heartbeat {
	v.mu.Lock()
	defer v.mu.Unlock()
	base := uint8(0x01) // custom mode enabled
	status := uint8(3)  // standby
	if v.armed {
		base |= 0x80
		status = 4 // active
	}
	return mavlink.Heartbeat{
		Header:       v.header(),
		VehicleType:  v.vtype,
		Autopilot:    v.autopilot,
		BaseMode:     base,
		CustomMode:   v.customMode,
		SystemStatus: status,
	}
}

func (v *Vehicle) attitude(el time.Duration) mavlink.Attitude {
	roll, pitch, yaw := v.cfg.Track.Attitude(el)
	return mavlink.Attitude{
		Header:     v.header(),
		TimeBootMs: uint32(el.Milliseconds()),
		Roll:       roll,
		Pitch:      pitch,
		Yaw:        yaw,
	}
}

func (v *Vehicle) position(el time.Duration) mavlink.GlobalPosition {
	lat, lon, crs := v.cfg.Track.Position(el)
	alt, _ := v.cfg.Track.Altitude(el)
	return mavlink.GlobalPosition{
		Header:       v.header(),
		TimeBootMs:   uint32(el.Milliseconds()),
		LatDeg:       lat,
		LonDeg:       lon,
		AltM:         alt,
		RelativeAltM: alt - v.cfg.Track.AltM,
		HeadingDeg:   &crs,
	}
}

func (v *Vehicle) sysStatus() mavlink.SysStatus {
	v.mu.Lock()
	if v.armed {
		v.batteryV = math.Max(10.5, v.batteryV-0.001)
	}
	volts := v.batteryV
	armed := v.armed
	v.mu.Unlock()

	current := 0.5
	if armed {
		current = 12
	}
	remaining := int(math.Round((volts - 10.5) / (12.6 - 10.5) * 100))
	return mavlink.SysStatus{Header: v.header(), VoltageV: volts, CurrentA: &current, BatteryRemaining: &remaining}
}

func (v *Vehicle) Recv(ctx context.Context) (mavlink.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-v.closed:
		return nil, mavlink.ErrClosed
	case m := <-v.out:
		return m, nil
	}
}

func (v *Vehicle) TryRecv() (mavlink.Message, bool) {
	select {
	case <-v.closed:
		return nil, false
	case m := <-v.out:
		return m, true
	default:
		return nil, false
	}
}

// MAV_CMD and MAV_RESULT values the simulator understands.
const (
	cmdDoSetMode          = 176
	cmdComponentArmDisarm = 400

	resultAccepted    = 0
	resultUnsupported = 3
)

var acceptedCommands = map[uint16]bool{
	17: true, 20: true, 21: true, 22: true, 178: true, 179: true, 246: true, 300: true,
}

func (v *Vehicle) Send(f mavlink.Outbound) error {
	if !v.IsOpen() {
		return mavlink.ErrClosed
	}
	switch f := f.(type) {
	case mavlink.SetModeFrame:
		if f.TargetSystem != v.cfg.SystemID {
			return nil
		}
		v.mu.Lock()
		v.customMode = f.CustomMode
		v.mu.Unlock()
		v.emit(v.heartbeat())
	case mavlink.CommandFrame:
		if f.TargetSystem != v.cfg.SystemID {
			return nil
		}
		result := uint8(resultAccepted)
		switch {
		case f.Command == cmdComponentArmDisarm:
			v.mu.Lock()
			v.armed = f.Params[0] == 1
			v.mu.Unlock()
		case f.Command == cmdDoSetMode:
			v.mu.Lock()
			v.customMode = uint32(f.Params[1])<<16 | uint32(f.Params[2])<<24
			v.mu.Unlock()
		case !acceptedCommands[f.Command]:
			result = resultUnsupported
		}
		v.emit(mavlink.CommandAck{Header: v.header(), Command: f.Command, Result: result})
		v.emit(v.heartbeat())
	default:
		return fmt.Errorf("sim: unsupported frame %T", f)
	}
	return nil
}

// Close stops the simulation and waits for its goroutine. Safe to repeat.
func (v *Vehicle) Close() error {
	v.once.Do(func() { close(v.closed) })
	v.wg.Wait()
	return nil
}

func (v *Vehicle) IsOpen() bool {
	select {
	case <-v.closed:
		return false
	default:
		return true
	}
}

// Path is the port path this vehicle answers to.
func (v *Vehicle) Path() string { return Scheme + v.cfg.Kind }
