package serial

import (
	"fmt"
	"sort"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes one serial device visible to the OS.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

var (
	detailedPorts = enumerator.GetDetailedPortsList
	plainPorts    = bugst.GetPortsList
)

// ListPorts enumerates serial devices. An empty result is not an error.
func ListPorts() ([]PortInfo, error) {
	details, err := detailedPorts()
	if err == nil {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			if d == nil {
				continue
			}
			out = append(out, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		sortPorts(out)
		return out, nil
	}

	// Some platforms lack USB metadata; fall back to names only.
	names, perr := plainPorts()
	if perr != nil {
		return nil, fmt.Errorf("list serial ports: %w", perr)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	sortPorts(out)
	return out, nil
}

func sortPorts(ps []PortInfo) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name })
}
