package session

import (
	"fmt"

	"dronelink/internal/mavlink"
	"dronelink/internal/serial"
	"dronelink/internal/sim"
)

// Transport is the byte stream a session owns. Only the session closes it.
type Transport interface {
	Close() error
	IsOpen() bool
}

// Opener creates the transport and protocol endpoint for a port path.
type Opener interface {
	OpenTransport(path string, baud int) (Transport, error)
	// OpenEndpoint starts the protocol endpoint over t. The endpoint must not
	// close t.
	OpenEndpoint(t Transport) (mavlink.Endpoint, error)
}

// DeviceOpener opens serial devices, and simulated vehicles for sim:// paths
// when Sim is enabled.
type DeviceOpener struct {
	Node mavlink.NodeConfig
	// Sim is the template for simulated vehicles. A kind in the path
	// overrides Sim.Kind; a bare sim:// uses it.
	Sim        sim.VehicleConfig
	SimEnabled bool
}

func (o DeviceOpener) OpenTransport(path string, baud int) (Transport, error) {
	if kind, ok := sim.KindFromPath(path); ok {
		if !o.SimEnabled {
			return nil, fmt.Errorf("open %s: simulator disabled", path)
		}
		cfg := o.Sim
		if kind != "" {
			cfg.Kind = kind
		}
		v, err := sim.NewVehicle(cfg)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	p, err := serial.Open(path, baud)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (o DeviceOpener) OpenEndpoint(t Transport) (mavlink.Endpoint, error) {
	switch t := t.(type) {
	case *sim.Vehicle:
		return t, nil
	case *serial.Port:
		return mavlink.NewNodeEndpoint(t, o.Node)
	}
	return nil, fmt.Errorf("no endpoint for transport %T", t)
}
