// Filament load sequence
//
// Loading runs in stages: pick up at the gate (encoder paced), fast
// transit through the bowden (slip tracked), home to the extruder
// (collision, stallguard or toolhead sensor) and the final move to the
// nozzle.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import (
	"fmt"
	"math"
	"time"

	"ercf-go/pkg/errors"
	"ercf-go/pkg/motion"
)

// loadSequence loads filament from the gate toward the nozzle. length
// is the bowden distance to cover; skipExtruder stops at the end of the
// bowden (used during calibration).
func (c *Controller) loadSequence(length float64, skipExtruder bool) error {
	c.logger.Info("loading filament at gate #%d...", c.gateSelected)
	c.ports.Encoder.Reset()
	c.setDirection(DirectionLoad)
	start := time.Now()

	measured, err := c.loadEncoder()
	if err != nil {
		c.recordLoadFailure()
		return err
	}
	if remaining := length - measured; remaining > 0 {
		if err := c.loadBowden(remaining); err != nil {
			c.recordLoadFailure()
			return err
		}
	}

	if !skipExtruder {
		if c.ports.Sensor.Available() {
			err = c.homeToToolheadSensor(false)
		} else {
			err = c.homeToExtruder(c.cfg.Extruder.HomingMax)
		}
		if err != nil {
			c.recordLoadFailure()
			return err
		}
		if err := c.loadExtruder(); err != nil {
			c.recordLoadFailure()
			return err
		}
	}

	c.recordLoad(c.ports.Encoder.Distance(), time.Since(start))
	c.logger.Info("load completed in %.1fs", time.Since(start).Seconds())
	return nil
}

// loadEncoder picks the filament up at the gate and feeds it past the
// encoder, retrying with a servo recycle when the gate fails to grip.
// It returns the movement the encoder measured.
func (c *Controller) loadEncoder() (float64, error) {
	if err := c.servoDown(); err != nil {
		return 0, err
	}
	threshold := c.cfg.Gear.LongMovesThreshold
	retries := c.cfg.Encoder.LoadRetries
	var measured float64

	for i := 0; i < retries; i++ {
		msg := "Initial load into encoder"
		if i > 0 {
			msg = fmt.Sprintf("Retry load into encoder #%d", i)
		}
		delta, err := c.trace(msg, threshold, c.cfg.Gear.ShortMovesSpeed, motorGear)
		if err != nil {
			return 0, err
		}
		measured = threshold - delta
		if measured > minPickupMovement {
			c.setGateStatus(c.gateSelected, GateStatusAvailable)
			c.setLoadState(StatePartialPastEncoder)
			return measured, nil
		}
		if i < retries-1 {
			c.logger.Debug("error loading filament, retrying with servo recycle")
			c.recordServoRetry()
			if _, err := c.servoUp(); err != nil {
				return 0, err
			}
			if err := c.servoDown(); err != nil {
				return 0, err
			}
		}
	}

	c.setGateStatus(c.gateSelected, GateStatusUnknown)
	c.setLoadState(StateUnloaded)
	return 0, errors.PickupFailedError(c.gateSelected, threshold, measured)
}

// loadBowden feeds fast through the bowden tube, optionally issuing
// correction moves when the encoder disagrees.
func (c *Controller) loadBowden(length float64) error {
	c.logger.Debug("loading bowden tube (%.1fmm)", length)
	c.setLoadState(StatePartialInBowden)
	tolerance := c.cfg.Bowden.LoadTolerance

	moves := 1
	if length >= c.calibRef/float64(c.cfg.Bowden.NumMoves) {
		moves = c.cfg.Bowden.NumMoves
	}

	var delta float64
	for i := 0; i < moves; i++ {
		msg := fmt.Sprintf("Course loading move #%d into bowden", i+1)
		d, err := c.trace(msg, length/float64(moves), c.cfg.Gear.LongMovesSpeed, motorGear)
		if err != nil {
			return err
		}
		delta += d
	}
	c.recordLoadSlip(length, delta)

	if c.cfg.Bowden.ApplyCorrection && delta >= tolerance {
		for i := 0; i < 2 && delta >= tolerance; i++ {
			c.logger.Debug("correction move of %.1fmm into bowden", delta)
			d, err := c.trace("Correction load move", delta, c.cfg.Gear.ShortMovesSpeed, motorGear)
			if err != nil {
				return err
			}
			c.recordLoadSlip(delta, d)
			delta = d
		}
	}
	if delta >= tolerance {
		// The tail of the move is unconfirmed; leave the state in the
		// bowden and let the homing stage find the true position.
		c.logger.Warn("possible slippage of %.1fmm during bowden load (tolerance %.1fmm)", delta, tolerance)
		return nil
	}
	c.setLoadState(StatePartialEndOfBowden)
	return nil
}

// homeToExtruder homes the filament to the extruder entry using the
// configured method. maxTravel is the homing travel budget; calibration
// passes a larger one than regular loads.
func (c *Controller) homeToExtruder(maxTravel float64) error {
	if err := c.servoDown(); err != nil {
		return err
	}
	if c.cfg.Extruder.HomingMethod == 1 {
		return c.homeToExtruderStallguard(maxTravel)
	}
	return c.homeToExtruderCollision(maxTravel)
}

// homeToExtruderCollision steps toward the extruder at reduced gear
// current until the encoder reports the filament has stopped moving.
func (c *Controller) homeToExtruderCollision(maxTravel float64) error {
	step := c.cfg.Extruder.HomingStep

	homed := false
	var travel float64
	err := motion.WithReducedCurrent(c.ports.Current, c.cfg.Extruder.HomingCurrent, func() error {
		var totalDelta float64
		for i := 0; i < int(maxTravel/step); i++ {
			msg := fmt.Sprintf("Homing step #%d", i+1)
			delta, err := c.trace(msg, step, 5, motorGear)
			if err != nil {
				return err
			}
			totalDelta += delta
			travel += step - delta
			if delta >= step/2 || math.Abs(totalDelta) > step {
				homed = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !homed {
		return errors.HomingFailedError("extruder entry", maxTravel)
	}
	if travel > maxTravel*0.8 {
		c.logger.Warn("filament homed late: %.1fmm of %.1fmm travel used, check calibration", travel, maxTravel)
	}
	c.setLoadState(StatePartialHomedExtruder)
	return nil
}

// homeToExtruderStallguard homes in a single stall-detected move.
func (c *Controller) homeToExtruderStallguard(maxTravel float64) error {
	travel, triggered, err := c.ports.Gear.HomingMove(maxTravel, c.cfg.Gear.ShortMovesSpeed)
	if err != nil {
		return err
	}
	if !triggered || travel >= maxTravel {
		return errors.HomingFailedError("extruder entry", maxTravel)
	}
	c.setLoadState(StatePartialHomedExtruder)
	return nil
}

// homeToToolheadSensor steps the filament into the extruder until the
// toolhead sensor triggers. The servo release is delayed for the first
// couple of millimeters to keep the gate gripping while the extruder
// takes over.
func (c *Controller) homeToToolheadSensor(skipEntryMoves bool) error {
	triggered, err := c.ports.Sensor.Triggered()
	if err != nil {
		return err
	}
	if triggered {
		return errors.SensorMalfunctionError("filament detected before homing move")
	}

	sync := c.cfg.Extruder.SyncLoadLength > 0
	step := c.cfg.Extruder.ToolheadHomingStep
	maxTravel := c.cfg.Extruder.ToolheadHomingMax

	for i := 0; i < int(maxTravel/step); i++ {
		msg := fmt.Sprintf("Homing step #%d to toolhead sensor", i+1)
		switch {
		case float64(i)*step < c.cfg.Extruder.DelayServoRelease && !skipEntryMoves:
			_, err = c.trace(msg, step, 10, motorExtruder)
		case sync:
			if err = c.servoDown(); err == nil {
				_, err = c.trace(msg, step, 10, motorBoth)
			}
		default:
			if _, err = c.servoUp(); err == nil {
				_, err = c.trace(msg, step, 10, motorExtruder)
			}
		}
		if err != nil {
			return err
		}
		triggered, err = c.ports.Sensor.Triggered()
		if err != nil {
			return err
		}
		if triggered {
			c.setLoadState(StatePartialHomedSensor)
			return nil
		}
	}
	return errors.HomingFailedError("toolhead sensor", maxTravel)
}

// loadExtruder performs the final move from the homed position to the
// nozzle. The success tolerance is deliberately generous: the extruder
// drive hides part of the move from the encoder.
func (c *Controller) loadExtruder() error {
	if err := c.checkExtruderTemp(); err != nil {
		return err
	}

	length := c.cfg.Extruder.HomePositionToNozzle
	tolerance := math.Max(c.clogLength, length*0.5)
	var delta float64

	if c.cfg.Extruder.SyncLoadLength > 0 {
		if err := c.servoDown(); err != nil {
			return err
		}
		syncLen := math.Min(c.cfg.Extruder.SyncLoadLength, length)
		d, err := c.trace("Sync load move", syncLen, c.cfg.Extruder.NozzleLoadSpeed, motorBoth)
		if err != nil {
			return err
		}
		delta += d
		length -= syncLen
	}

	if _, err := c.servoUp(); err != nil {
		return err
	}
	if length > 0 {
		d, err := c.trace("Remainder of final move to nozzle", length, c.cfg.Extruder.NozzleLoadSpeed, motorExtruder)
		if err != nil {
			return err
		}
		delta += d
	}

	if delta >= tolerance {
		measured := c.cfg.Extruder.HomePositionToNozzle - delta
		if !c.cfg.Extruder.IgnoreLoadError {
			c.setLoadState(StatePartialInExtruder)
			return errors.NozzleMoveFailedError(c.cfg.Extruder.HomePositionToNozzle, measured)
		}
		c.logger.Warn("move to nozzle measured only %.1fmm of %.1fmm, continuing anyway", measured, c.cfg.Extruder.HomePositionToNozzle)
	}
	c.setLoadState(StateFull)
	return nil
}
