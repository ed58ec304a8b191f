package bus

import (
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Axis selects one component of a vector.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

// ParseAxis accepts x, y or z.
func ParseAxis(s string) (Axis, error) {
	switch a := Axis(s); a {
	case AxisX, AxisY, AxisZ:
		return a, nil
	}
	return "", pkgerrors.Errorf("invalid axis %q, want x, y or z", s)
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Component returns the value along a.
func (v Vector3) Component(a Axis) float64 {
	switch a {
	case AxisX:
		return v.X
	case AxisY:
		return v.Y
	}
	return v.Z
}

// IMUMessage is one inertial sample as published on the data topic.
type IMUMessage struct {
	Stamp              time.Time `json:"stamp"`
	AngularVelocity    Vector3   `json:"angular_velocity"`
	LinearAcceleration Vector3   `json:"linear_acceleration"`
}

// TemperatureMessage is one sensor temperature reading.
type TemperatureMessage struct {
	Stamp       time.Time `json:"stamp"`
	Temperature float64   `json:"temperature"`
}
