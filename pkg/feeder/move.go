// Traced filament moves
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import "math"

// moveMotor selects which motor(s) drive a filament move.
type moveMotor int

const (
	motorGear moveMotor = iota
	motorExtruder
	motorBoth
)

func (m moveMotor) String() string {
	switch m {
	case motorGear:
		return "gear"
	case motorExtruder:
		return "extruder"
	default:
		return "both"
	}
}

// trace performs a filament move and returns the encoder shortfall:
// the commanded length minus the movement the encoder measured.
// Synced moves borrow the extruder motion queue for the duration.
func (c *Controller) trace(msg string, dist, speed float64, m moveMotor) (float64, error) {
	c.logger.Stepper("%s motor: move %.1fmm at %.1fmm/s", m, dist, speed)
	start := c.ports.Encoder.Distance()

	var err error
	switch m {
	case motorGear:
		err = c.ports.Gear.Move(dist, speed)
	case motorExtruder:
		err = c.ports.Extruder.Move(dist, speed)
	case motorBoth:
		if err = c.ports.Gear.SyncToExtruder(true); err == nil {
			err = c.ports.Gear.Move(dist, speed)
			if syncErr := c.ports.Gear.SyncToExtruder(false); err == nil {
				err = syncErr
			}
		}
	}

	measured := c.ports.Encoder.Distance() - start
	delta := math.Abs(dist) - measured
	c.logger.Trace("%s (%s): move=%.1fmm speed=%.1f measured=%.1fmm delta=%.1fmm",
		msg, m, dist, speed, measured, delta)
	return delta, err
}

// gearSpeed picks the configured speed for a gear move of the given
// length.
func (c *Controller) gearSpeed(dist float64) float64 {
	if math.Abs(dist) >= c.cfg.Gear.LongMovesThreshold {
		return c.cfg.Gear.LongMovesSpeed
	}
	return c.cfg.Gear.ShortMovesSpeed
}

// buzzGearMotor wiggles the drive gear and reports whether the encoder
// saw filament move. The encoder reading is restored afterwards.
func (c *Controller) buzzGearMotor() (bool, error) {
	if err := c.servoDown(); err != nil {
		return false, err
	}
	initial := c.ports.Encoder.Distance()
	if err := c.ports.Gear.Move(2.0, c.cfg.Gear.ShortMovesSpeed); err != nil {
		return false, err
	}
	if err := c.ports.Gear.Move(-2.0, c.cfg.Gear.ShortMovesSpeed); err != nil {
		return false, err
	}
	found := c.ports.Encoder.Distance()-initial > 0
	c.ports.Encoder.SetDistance(initial)
	if found {
		c.logger.Debug("gear buzz detected filament")
	} else {
		c.logger.Debug("gear buzz did not detect filament")
	}
	return found, nil
}
