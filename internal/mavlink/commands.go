package mavlink

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MAV_CMD ids for the named commands.
const (
	cmdNavLoiterUnlim          = 17
	cmdNavReturnToLaunch       = 20
	cmdNavLand                 = 21
	cmdNavTakeoff              = 22
	cmdDoSetMode               = 176
	cmdDoChangeSpeed           = 178
	cmdDoSetHome               = 179
	cmdPreflightRebootShutdown = 246
	cmdMissionStart            = 300
	cmdComponentArmDisarm      = 400
)

type commandSpec struct {
	id       uint16
	defaults [7]float32
}

var commands = map[string]commandSpec{
	"ARM":           {id: cmdComponentArmDisarm, defaults: [7]float32{1}},
	"DISARM":        {id: cmdComponentArmDisarm, defaults: [7]float32{0}},
	"TAKEOFF":       {id: cmdNavTakeoff},
	"LAND":          {id: cmdNavLand},
	"RTL":           {id: cmdNavReturnToLaunch},
	"LOITER":        {id: cmdNavLoiterUnlim},
	"MISSION_START": {id: cmdMissionStart},
	"REBOOT":        {id: cmdPreflightRebootShutdown, defaults: [7]float32{1}},
	"SET_HOME":      {id: cmdDoSetHome},
	"CHANGE_SPEED":  {id: cmdDoChangeSpeed},
	"DO_SET_MODE":   {id: cmdDoSetMode},
}

// CommandNames lists the named commands accepted by ParseCommand.
func CommandNames() []string {
	out := make([]string, 0, len(commands))
	for n := range commands {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ParseCommand resolves a command name (case-insensitive) or a decimal MAV_CMD
// id into a MAV_CMD id and its seven params. Caller params override the
// command's defaults positionally.
func ParseCommand(name string, params []float64) (uint16, [7]float32, error) {
	var out [7]float32
	if len(params) > len(out) {
		return 0, out, fmt.Errorf("%w: %q takes at most 7 params, got %d", ErrUnknownCommand, name, len(params))
	}

	key := strings.ToUpper(strings.TrimSpace(name))
	spec, ok := commands[key]
	if !ok {
		id, err := strconv.ParseUint(key, 10, 16)
		if err != nil || key == "" {
			return 0, out, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
		}
		spec = commandSpec{id: uint16(id)}
	}

	out = spec.defaults
	for i, p := range params {
		out[i] = float32(p)
	}
	return spec.id, out, nil
}
