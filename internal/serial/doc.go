// Package serial owns the raw byte-stream connection to a vehicle's telemetry
// radio or USB autopilot port.
//
// It knows nothing about MAVLink. A Port is exclusively owned: opening a
// device already held by another Port in this process, or locked by another
// process, fails with ErrPortBusy instead of sharing the descriptor.
package serial
