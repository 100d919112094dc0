// Package sim provides an in-process simulated autopilot that speaks the
// decoded side of a MAVLink link. It lets dronelink run end to end with no
// radio attached (port "sim://copter").
package sim

import (
	"math"
	"time"
)

const earthRadiusM = 6371000.0

// Track is a deterministic figure-eight flight path around a center point.
type Track struct {
	CenterLatDeg float64
	CenterLonDeg float64
	AltM         float64
	RadiusM      float64
	Period       time.Duration
}

func (s Track) period() time.Duration {
	if s.Period <= 0 {
		return 120 * time.Second
	}
	return s.Period
}

func (s Track) radiusM() float64 {
	if s.RadiusM <= 0 {
		return 100
	}
	return s.RadiusM
}

// Position returns the point on the path at elapsed time t and the course over
// ground in degrees.
//
// x: east-west component, y: north-south component
//
//	x = cos(2πt)
//	y = 0.5*sin(4πt)
func (s Track) Position(t time.Duration) (latDeg, lonDeg, courseDeg float64) {
	p := s.period()
	phase := float64(t%p) / float64(p)
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	radiusDeg := s.radiusM() / earthRadiusM * 180 / math.Pi
	latDeg = s.CenterLatDeg + radiusDeg*y
	lonDeg = s.CenterLonDeg + (radiusDeg*x)/math.Cos(s.CenterLatDeg*math.Pi/180.0)

	vx := -2 * math.Pi * math.Sin(w)
	vy := 2 * math.Pi * math.Cos(2*w)
	courseDeg = math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 360)
	return latDeg, lonDeg, courseDeg
}

// Altitude is a sinusoid of ±10 m around AltM on a period decoupled from the
// horizontal one. climb is in m/s.
func (s Track) Altitude(t time.Duration) (altM, climb float64) {
	vp := s.period() / 2
	if vp < 30*time.Second {
		vp = 30 * time.Second
	}
	const amp = 10.0
	w := 2 * math.Pi * float64(t%vp) / float64(vp)
	altM = s.AltM + amp*math.Sin(w)
	climb = amp * (2 * math.Pi / vp.Seconds()) * math.Cos(w)
	return altM, climb
}

// GroundSpeed is the speed along the path in m/s.
func (s Track) GroundSpeed(t time.Duration) float64 {
	p := s.period()
	w := 2 * math.Pi * float64(t%p) / float64(p)
	k := 2 * math.Pi / p.Seconds()
	vx := -s.radiusM() * k * math.Sin(w)
	vy := s.radiusM() * k * math.Cos(2*w)
	return math.Hypot(vx, vy)
}

// Attitude derives roll from the turn rate, pitch from the climb angle and yaw
// from the course. Angles are radians, yaw in [-π, π].
func (s Track) Attitude(t time.Duration) (roll, pitch, yaw float64) {
	const dt = 100 * time.Millisecond
	_, _, c0 := s.Position(t)
	_, _, c1 := s.Position(t + dt)
	turn := math.Mod(c1-c0+540, 360) - 180 // deg over dt
	rate := turn * math.Pi / 180 / dt.Seconds()

	v := s.GroundSpeed(t)
	roll = math.Atan(v * rate / 9.80665)
	_, climb := s.Altitude(t)
	if v > 0 {
		pitch = math.Atan2(climb, v)
	}
	yaw = c0 * math.Pi / 180
	if yaw > math.Pi {
		yaw -= 2 * math.Pi
	}
	return roll, pitch, yaw
}
