package mavlink

import "sort"

// MAV_AUTOPILOT and MAV_TYPE values used to pick a mode table.
const (
	autopilotArduPilot = 3
	autopilotPX4       = 12

	typeFixedWing       = 1
	typeQuadrotor       = 2
	typeCoaxial         = 3
	typeHelicopter      = 4
	typeAntennaTracker  = 5
	typeGCS             = 6
	typeGroundRover     = 10
	typeSurfaceBoat     = 11
	typeSubmarine       = 12
	typeHexarotor       = 13
	typeOctorotor       = 14
	typeTricopter       = 15
	typeVTOLTailsitter2 = 19
	typeVTOLTailsitter4 = 20
	typeVTOLTiltrotor   = 21
	typeVTOLFixedrotor  = 22
	typeVTOLTailsitter  = 23
	typeVTOLTiltwing    = 24
	typeVTOLReserved5   = 25
	typeDodecarotor     = 29
	typeDecarotor       = 35

	modeFlagCustomModeEnabled = 1
)

// ModeTable maps flight mode names to custom_mode values for one firmware.
type ModeTable struct {
	firmware string
	px4      bool
	byName   map[string]uint32
}

func newModeTable(firmware string, px4 bool, m map[string]uint32) ModeTable {
	return ModeTable{firmware: firmware, px4: px4, byName: m}
}

// Firmware names the autopilot family, e.g. "ArduCopter". Empty when the
// vehicle type has no known modes.
func (t ModeTable) Firmware() string { return t.firmware }

// Lookup is an exact, case-sensitive match.
func (t ModeTable) Lookup(name string) (uint32, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Name is the reverse of Lookup. Several names may share a value; the
// alphabetically first wins so the result is stable.
func (t ModeTable) Name(customMode uint32) (string, bool) {
	best := ""
	for n, id := range t.byName {
		if id == customMode && (best == "" || n < best) {
			best = n
		}
	}
	return best, best != ""
}

func (t ModeTable) Names() []string {
	out := make([]string, 0, len(t.byName))
	for n := range t.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ModeTableFor picks the table advertised by a vehicle heartbeat.
func ModeTableFor(autopilot, vehicleType uint32) ModeTable {
	if autopilot == autopilotPX4 {
		return newModeTable("PX4", true, px4Modes)
	}
	switch vehicleType {
	case typeQuadrotor, typeCoaxial, typeHelicopter, typeHexarotor, typeOctorotor,
		typeTricopter, typeDodecarotor, typeDecarotor:
		return newModeTable("ArduCopter", false, copterModes)
	case typeFixedWing, typeVTOLTailsitter2, typeVTOLTailsitter4, typeVTOLTiltrotor,
		typeVTOLFixedrotor, typeVTOLTailsitter, typeVTOLTiltwing, typeVTOLReserved5:
		return newModeTable("ArduPlane", false, planeModes)
	case typeGroundRover, typeSurfaceBoat:
		return newModeTable("ArduRover", false, roverModes)
	case typeSubmarine:
		return newModeTable("ArduSub", false, subModes)
	case typeAntennaTracker:
		return newModeTable("AntennaTracker", false, trackerModes)
	}
	return ModeTable{}
}

var copterModes = map[string]uint32{
	"STABILIZE":    0,
	"ACRO":         1,
	"ALT_HOLD":     2,
	"AUTO":         3,
	"GUIDED":       4,
	"LOITER":       5,
	"RTL":          6,
	"CIRCLE":       7,
	"POSITION":     8,
	"LAND":         9,
	"OF_LOITER":    10,
	"DRIFT":        11,
	"SPORT":        13,
	"FLIP":         14,
	"AUTOTUNE":     15,
	"POSHOLD":      16,
	"BRAKE":        17,
	"THROW":        18,
	"AVOID_ADSB":   19,
	"GUIDED_NOGPS": 20,
	"SMART_RTL":    21,
	"FLOWHOLD":     22,
	"FOLLOW":       23,
	"ZIGZAG":       24,
	"SYSTEMID":     25,
	"AUTOROTATE":   26,
	"AUTO_RTL":     27,
}

var planeModes = map[string]uint32{
	"MANUAL":       0,
	"CIRCLE":       1,
	"STABILIZE":    2,
	"TRAINING":     3,
	"ACRO":         4,
	"FBWA":         5,
	"FBWB":         6,
	"CRUISE":       7,
	"AUTOTUNE":     8,
	"AUTO":         10,
	"RTL":          11,
	"LOITER":       12,
	"TAKEOFF":      13,
	"AVOID_ADSB":   14,
	"GUIDED":       15,
	"INITIALISING": 16,
	"QSTABILIZE":   17,
	"QHOVER":       18,
	"QLOITER":      19,
	"QLAND":        20,
	"QRTL":         21,
	"QAUTOTUNE":    22,
	"QACRO":        23,
	"THERMAL":      24,
}

var roverModes = map[string]uint32{
	"MANUAL":       0,
	"ACRO":         1,
	"LEARNING":     2,
	"STEERING":     3,
	"HOLD":         4,
	"LOITER":       5,
	"FOLLOW":       6,
	"SIMPLE":       7,
	"AUTO":         10,
	"RTL":          11,
	"SMART_RTL":    12,
	"GUIDED":       15,
	"INITIALISING": 16,
}

var subModes = map[string]uint32{
	"STABILIZE": 0,
	"ACRO":      1,
	"ALT_HOLD":  2,
	"AUTO":      3,
	"GUIDED":    4,
	"CIRCLE":    7,
	"SURFACE":   9,
	"POSHOLD":   16,
	"MANUAL":    19,
}

var trackerModes = map[string]uint32{
	"MANUAL":       0,
	"STOP":         1,
	"SCAN":         2,
	"SERVO_TEST":   3,
	"AUTO":         10,
	"INITIALISING": 16,
}

// PX4 packs main mode into bits 16-23 and sub mode into bits 24-31.
func px4Mode(main, sub uint32) uint32 { return main<<16 | sub<<24 }

func px4Split(customMode uint32) (main, sub uint32) {
	return (customMode >> 16) & 0xff, (customMode >> 24) & 0xff
}

var px4Modes = map[string]uint32{
	"MANUAL":     px4Mode(1, 0),
	"ALTCTL":     px4Mode(2, 0),
	"POSCTL":     px4Mode(3, 0),
	"TAKEOFF":    px4Mode(4, 2),
	"LOITER":     px4Mode(4, 3),
	"MISSION":    px4Mode(4, 4),
	"RTL":        px4Mode(4, 5),
	"LAND":       px4Mode(4, 6),
	"RTGS":       px4Mode(4, 7),
	"FOLLOWME":   px4Mode(4, 8),
	"ACRO":       px4Mode(5, 0),
	"OFFBOARD":   px4Mode(6, 0),
	"STABILIZED": px4Mode(7, 0),
	"RATTITUDE":  px4Mode(8, 0),
}
