// Filament unload sequence
//
// Unloading dispatches on the current filament position: out of the
// extruder first (toolhead sensor or encoder paced), then fast back
// through the bowden, then a careful crawl out of the encoder into the
// parked position behind the gate.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import (
	"fmt"
	"time"

	"ercf-go/pkg/errors"
)

// unloadSequence unloads filament back to the parked position behind
// the gate. length is the bowden distance; skipTip suppresses tip
// forming (the caller already did it or the filament has no tip to
// form).
func (c *Controller) unloadSequence(length float64, skipTip bool) error {
	if c.loadState == StateUnloaded {
		c.logger.Debug("filament already unloaded")
		return nil
	}
	if c.loadState == StateUnknown {
		if err := c.recoverLoadState(); err != nil {
			return err
		}
		if c.loadState == StateUnloaded {
			return nil
		}
	}

	c.logger.Info("unloading filament...")
	c.ports.Encoder.Reset()
	c.setDirection(DirectionUnload)
	start := time.Now()

	if c.loadState == StateFull && !skipTip {
		if err := c.formTip(); err != nil {
			c.recordUnloadFailure()
			return err
		}
	}

	var err error
	switch {
	case c.loadState > StatePartialHomedExtruder:
		err = c.unloadExtruder()
		if err == nil {
			err = c.unloadBowden(length - c.cfg.Extruder.UnloadBuffer)
		}
		if err == nil {
			err = c.unloadEncoder(c.cfg.Extruder.UnloadBuffer)
		}
	case c.loadState == StatePartialEndOfBowden || c.loadState == StatePartialHomedExtruder:
		err = c.unloadBowden(length - c.cfg.Extruder.UnloadBuffer)
		if err == nil {
			err = c.unloadEncoder(c.cfg.Extruder.UnloadBuffer)
		}
	case c.loadState >= StatePartialBeforeEncoder && c.loadState <= StatePartialInBowden:
		err = c.unloadEncoder(length)
	default:
		err = errors.UnexpectedStateError("unload", c.loadState.String())
	}
	if err != nil {
		c.recordUnloadFailure()
		return err
	}

	residual, err := c.servoUp()
	if err != nil {
		return err
	}
	if residual >= 1.0 {
		c.recordUnloadFailure()
		return errors.FilamentStuckError(residual)
	}

	c.setLoadState(StateUnloaded)
	c.recordUnload(c.ports.Encoder.Distance(), time.Since(start))
	c.logger.Info("unload completed in %.1fs", time.Since(start).Seconds())
	return nil
}

// formTip runs the host tip forming routine and infers where the
// filament ended up from the movement the encoder saw during it.
func (c *Controller) formTip() error {
	if err := c.checkExtruderTemp(); err != nil {
		return err
	}
	initial := c.ports.Encoder.Distance()
	c.logger.Debug("forming tip...")
	if err := c.host.FormTip(); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "tip forming failed")
	}
	moved := c.ports.Encoder.Distance() - initial
	if moved > 0 {
		// Movement during tip forming means the extruder still grips
		// the filament.
		if c.loadState < StatePartialInExtruder {
			c.setLoadState(StatePartialInExtruder)
		}
	} else {
		c.logger.Debug("no movement during tip forming, filament is clear of the extruder")
		c.setLoadState(StatePartialInBowden)
	}
	return nil
}

// unloadExtruder pulls the filament out of the extruder with the
// extruder motor, watching the toolhead sensor or the encoder for the
// moment it lets go.
func (c *Controller) unloadExtruder() error {
	if err := c.checkExtruderTemp(); err != nil {
		return err
	}
	c.logger.Debug("extracting filament from extruder")
	if _, err := c.servoUp(); err != nil {
		return err
	}

	step := c.cfg.Encoder.MoveStepSize
	numSteps := int(c.cfg.Extruder.HomePositionToNozzle/step) + 5
	sensor := c.ports.Sensor.Available()
	out := false

	for i := 0; i < numSteps && !out; i++ {
		speed := c.cfg.Extruder.NozzleUnloadSpeed
		if i == 0 {
			speed *= 0.5
		}
		msg := fmt.Sprintf("Unload move #%d from extruder", i+1)
		delta, err := c.trace(msg, -step, speed, motorExtruder)
		if err != nil {
			return err
		}
		if sensor {
			triggered, err := c.ports.Sensor.Triggered()
			if err != nil {
				return err
			}
			if !triggered {
				// Sensor cleared; a final sanity move makes sure the
				// filament is fully out of the drive.
				if _, err := c.trace("Final sanity move past sensor", -c.cfg.Extruder.ToolheadHomingMax,
					c.cfg.Extruder.NozzleUnloadSpeed, motorExtruder); err != nil {
					return err
				}
				out = true
			}
		} else if step-delta <= 1.0 {
			// Encoder went quiet, the extruder released the filament.
			out = true
		}
	}

	if !out {
		c.setLoadState(StatePartialInExtruder)
		return errors.New(errors.ErrFilamentStuck, "filament did not exit the extruder")
	}
	c.setLoadState(StatePartialEndOfBowden)
	return nil
}

// unloadBowden pulls the filament fast back through the bowden tube.
// A short test move first verifies the gate is actually gripping.
func (c *Controller) unloadBowden(length float64) error {
	c.logger.Debug("unloading bowden tube (%.1fmm)", length)
	if err := c.servoDown(); err != nil {
		return err
	}
	tolerance := c.cfg.Bowden.UnloadTolerance

	// Short test move to catch a slipping gate before committing to
	// fast moves.
	initialMove := 10.0
	sync := c.cfg.Extruder.SyncUnloadLength > 0
	if sync {
		initialMove = c.cfg.Extruder.SyncUnloadLength
	}
	for attempt := 0; ; attempt++ {
		var delta float64
		var err error
		if sync {
			delta, err = c.trace("Sync unload", -initialMove, c.cfg.Gear.ShortMovesSpeed, motorBoth)
		} else {
			delta, err = c.trace("Unload test move", -initialMove, c.cfg.Gear.ShortMovesSpeed, motorGear)
		}
		if err != nil {
			return err
		}
		if delta <= initialMove*0.2 {
			break
		}
		if attempt > 0 {
			c.setLoadState(StatePartialInExtruder)
			return errors.New(errors.ErrFilamentStuck, "too much slippage on bowden unload, filament may be stuck in the extruder")
		}
		c.logger.Warn("encoder not sensing movement, retrying with servo recycle")
		c.recordServoRetry()
		if _, err := c.servoUp(); err != nil {
			return err
		}
		if err := c.servoDown(); err != nil {
			return err
		}
		sync = false
		initialMove = 10.0
	}
	length -= initialMove

	moves := 1
	if length >= c.calibRef/float64(c.cfg.Bowden.NumMoves) {
		moves = c.cfg.Bowden.NumMoves
	}
	var delta float64
	for i := 0; i < moves; i++ {
		msg := fmt.Sprintf("Course unloading move #%d from bowden", i+1)
		d, err := c.trace(msg, -length/float64(moves), c.cfg.Gear.LongMovesSpeed, motorGear)
		if err != nil {
			return err
		}
		delta += d
	}
	if delta >= length*0.8 {
		return errors.BowdenSlippageError(length, delta)
	}
	if delta >= tolerance {
		c.logger.Warn("possible slippage of %.1fmm during bowden unload (tolerance %.1fmm)", delta, tolerance)
	}
	c.recordUnloadSlip(length, delta)
	c.setLoadState(StatePartialPastEncoder)
	return nil
}

// unloadEncoder crawls the filament backwards until the encoder stops
// seeing it, then parks it a fixed distance behind the encoder.
func (c *Controller) unloadEncoder(maxLength float64) error {
	c.logger.Debug("slow unload of the encoder")
	if err := c.servoDown(); err != nil {
		return err
	}
	step := c.cfg.Encoder.MoveStepSize

	for i := 0; i < int(maxLength/step)+1; i++ {
		msg := fmt.Sprintf("Unload move #%d from encoder", i+1)
		delta, err := c.trace(msg, -step, c.cfg.Gear.ShortMovesSpeed, motorGear)
		if err != nil {
			return err
		}
		if delta >= step*0.2 {
			// Encoder went quiet: the filament tip just passed it.
			c.setLoadState(StatePartialBeforeEncoder)
			park := c.cfg.Encoder.ParkingDistance - delta
			d, err := c.trace("Final parking move", -park, c.cfg.Gear.ShortMovesSpeed, motorGear)
			if err != nil {
				return err
			}
			if park-d > 1.0 {
				c.logger.Warn("possible free-spinning of the gear during parking")
			}
			return nil
		}
	}
	return errors.New(errors.ErrFilamentStuck, "filament did not clear the encoder")
}
