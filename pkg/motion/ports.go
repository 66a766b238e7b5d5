// Hardware contracts for the filament feeder
//
// The controller drives the unit exclusively through these interfaces.
// Production implementations wrap real steppers, servos and encoders;
// the simulated rig in this package implements them for tests and the
// demo binary.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

// GearPort drives the filament drive gear at the selected gate.
type GearPort interface {
	// Move issues a relative move. Positive distances feed toward the
	// extruder.
	Move(dist, speed float64) error

	// HomingMove feeds toward the extruder entry, stopping when the
	// stall endstop triggers. It returns the travel achieved and
	// whether the endstop triggered.
	HomingMove(dist, speed float64) (float64, bool, error)

	// SyncToExtruder couples or releases the gear to the extruder
	// motion queue so both motors drive the filament together.
	SyncToExtruder(sync bool) error
}

// ExtruderPort drives the toolhead extruder.
type ExtruderPort interface {
	// Move issues a relative extrusion move.
	Move(dist, speed float64) error

	// Temperature returns the current and target extruder temperature.
	Temperature() (current, target float64)
}

// SelectorPort drives the selector axis.
type SelectorPort interface {
	// Move issues an absolute move.
	Move(pos, speed float64) error

	// HomingMove moves toward pos, stopping early if the stall
	// endstop triggers, and returns the signed travel achieved.
	HomingMove(pos, speed float64) (float64, error)

	// Home homes against the endstop at position zero.
	Home(maxTravel float64) error

	Position() float64
	SetPosition(pos float64)

	// Enable energizes or releases the selector motor.
	Enable(on bool) error
}

// EncoderPort measures filament movement just past the gate.
type EncoderPort interface {
	Distance() float64
	Counts() int
	Reset()
	SetDistance(dist float64)

	// SetRunoutEnabled arms or disarms runout/clog event detection.
	SetRunoutEnabled(on bool)
}

// ServoPort positions the gate clamp servo.
type ServoPort interface {
	SetAngle(angle float64) error
}

// SensorPort reads the optional toolhead filament sensor.
type SensorPort interface {
	// Available reports whether a sensor is fitted.
	Available() bool

	Triggered() (bool, error)
}

// CurrentPort adjusts the gear motor run current.
type CurrentPort interface {
	// Percent returns the run current as a percentage of the
	// configured current.
	Percent() int

	SetPercent(pct int) error
}

// WithReducedCurrent runs fn with the gear current reduced to pct and
// restores the previous value even when fn fails.
func WithReducedCurrent(port CurrentPort, pct int, fn func() error) error {
	prev := port.Percent()
	if err := port.SetPercent(pct); err != nil {
		return err
	}
	defer port.SetPercent(prev)
	return fn()
}
