// Calibration routines
//
// The bowden reference is measured on gate 0 by loading to the
// extruder and reading the encoder; every other gate gets a ratio
// relative to that reference. The spring compensation weight depends
// on how the extruder was homed.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import (
	"math"

	"ercf-go/pkg/errors"
	"ercf-go/pkg/vars"
)

// calibrationHomingMax is the extruder homing budget during bowden
// calibration, which loads deliberately short and homes the rest.
const calibrationHomingMax = 400.0

// calibrationSpringWeight compensates the reference for the filament
// spring released on servo up. Sensor homing leaves far less tension
// than a collision stop.
func (c *Controller) calibrationSpringWeight() float64 {
	if c.ports.Sensor.Available() {
		if c.cfg.Extruder.SyncLoadLength > 0 {
			return 0.5
		}
		return 0.1
	}
	if c.cfg.Extruder.HomingMethod == 1 {
		return 1.0
	}
	return 1.1
}

// CalibrateBowden measures the bowden reference length on gate 0,
// averaging over the given number of repeats, and persists the result.
func (c *Controller) CalibrateBowden(repeats int) error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkHomed(); err != nil {
		return err
	}
	if c.loadState != StateUnloaded {
		return errors.RuntimeError("cannot calibrate while filament is loaded")
	}
	if repeats < 1 {
		repeats = 1
	}
	if err := c.SelectGate(0); err != nil {
		return err
	}

	// Load short of the nominal length so the homing move does the
	// final approach.
	loadLength := c.cfg.Bowden.CalibrationLength - 100
	if loadLength <= 0 {
		return errors.ConfigValidationError("bowden", "calibration_bowden_length is too short to calibrate")
	}

	var sum, maxSpring float64
	for i := 0; i < repeats; i++ {
		c.logger.Info("calibration pass %d of %d...", i+1, repeats)
		c.ports.Encoder.Reset()
		measured, err := c.loadEncoder()
		if err != nil {
			return err
		}
		if err := c.loadBowden(loadLength - measured); err != nil {
			return err
		}
		if c.ports.Sensor.Available() {
			err = c.homeToToolheadSensor(false)
		} else {
			err = c.homeToExtruder(calibrationHomingMax)
		}
		if err != nil {
			return err
		}

		total := c.ports.Encoder.Distance()
		spring, err := c.servoUp()
		if err != nil {
			return err
		}
		reference := total - spring*c.calibrationSpringWeight()
		c.logger.Info("pass %d: measured %.1fmm, spring %.1fmm, reference %.1fmm", i+1, total, spring, reference)
		sum += reference
		maxSpring = math.Max(maxSpring, spring)

		c.setLoadState(StatePartialEndOfBowden)
		if err := c.unloadBowden(reference - c.cfg.Extruder.UnloadBuffer); err != nil {
			return err
		}
		if err := c.unloadEncoder(c.cfg.Extruder.UnloadBuffer); err != nil {
			return err
		}
		if _, err := c.servoUp(); err != nil {
			return err
		}
		c.setLoadState(StateUnloaded)
	}

	reference := sum / float64(repeats)
	clogLength := math.Max(maxSpring*3, minClogLength)
	c.calibRef = reference
	c.clogLength = clogLength
	c.calibVersion = requiredCalibVersion
	c.gateRatios[0] = 1.0

	c.store.Set(vars.VarCalibRef, reference)
	c.store.Set(vars.VarCalibClogLength, clogLength)
	c.store.Set(vars.VarCalibVersion, requiredCalibVersion)
	c.store.Set(vars.GateVar(vars.VarCalibPrefix, 0), 1.0)
	c.logger.Info("bowden reference calibrated to %.1fmm (clog detection length %.1fmm)", reference, clogLength)
	return nil
}

// CalibrateGateRatio measures a gate's drive ratio relative to the
// bowden reference with a round trip of the given length. Results far
// from 1.0 indicate a setup problem and are not persisted.
func (c *Controller) CalibrateGateRatio(gate int, testLength float64) error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkHomed(); err != nil {
		return err
	}
	if c.loadState != StateUnloaded {
		return errors.RuntimeError("cannot calibrate while filament is loaded")
	}
	if gate <= 0 || gate >= c.cfg.NumGates() {
		return errors.RuntimeError("gate #%d out of range for ratio calibration", gate)
	}
	if c.calibVersion != requiredCalibVersion {
		return errors.NotCalibratedError("bowden reference")
	}
	if err := c.SelectGate(gate); err != nil {
		return err
	}

	c.ports.Encoder.Reset()
	moved, err := c.loadEncoder()
	if err != nil {
		return err
	}
	if _, err := c.trace("Calibration load movement", testLength, c.cfg.Gear.LongMovesSpeed, motorGear); err != nil {
		return err
	}
	if _, err := c.trace("Calibration unload movement", -testLength, c.cfg.Gear.LongMovesSpeed, motorGear); err != nil {
		return err
	}
	measurement := c.ports.Encoder.Distance()

	if measurement-moved <= 0 {
		return errors.NotCalibratedError("gate ratio (no encoder movement measured)")
	}
	ratio := (testLength * 2) / (measurement - moved)
	if ratio > 0.8 && ratio < 1.2 {
		c.gateRatios[gate] = ratio
		c.store.Set(vars.GateVar(vars.VarCalibPrefix, gate), ratio)
		c.logger.Info("gate #%d ratio calibrated to %.6f", gate, ratio)
	} else {
		c.logger.Warn("measured ratio %.6f for gate #%d is implausible and was not saved", ratio, gate)
	}

	if err := c.unloadEncoder(testLength + c.cfg.Encoder.ParkingDistance); err != nil {
		return err
	}
	if _, err := c.servoUp(); err != nil {
		return err
	}
	c.setLoadState(StateUnloaded)
	return nil
}

// CalibrateSelector measures the selector offset of a gate by homing
// back to the endstop from the gate position and reporting the travel.
// The cart must be positioned at the gate first.
func (c *Controller) CalibrateSelector(gate int) (float64, error) {
	if err := c.checkNotLocked(); err != nil {
		return 0, err
	}
	if gate < 0 || gate >= c.cfg.NumGates() {
		return 0, errors.RuntimeError("gate #%d out of range", gate)
	}
	if _, err := c.servoUp(); err != nil {
		return 0, err
	}
	maxTravel := c.cfg.Selector.Offsets[len(c.cfg.Selector.Offsets)-1] + 20
	travel, err := c.ports.Selector.HomingMove(-maxTravel, c.cfg.Selector.HomingSpeed)
	if err != nil {
		return 0, err
	}
	offset := math.Abs(travel)
	c.ports.Selector.SetPosition(0)
	c.isHomed = true
	c.logger.Info("selector offset for gate #%d measured as %.1fmm, update the configuration", gate, offset)
	return offset, nil
}
