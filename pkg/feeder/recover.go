// Filament state recovery
//
// After a restart or a failed operation the filament position may be
// unknown. Recovery probes the toolhead sensor and the encoder to
// rebuild a trustworthy state without moving the filament far.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import "ercf-go/pkg/errors"

// recoverLoadState deduces the filament position from the toolhead
// sensor (when fitted) and short encoder probes, then sets the load
// state accordingly.
func (c *Controller) recoverLoadState() error {
	c.logger.Info("recovering filament position...")

	if !c.ports.Sensor.Available() {
		found, err := c.buzzGearMotor()
		if err != nil {
			return err
		}
		if found {
			// Filament is somewhere between encoder and nozzle. Assume
			// the worst so the unload path extracts from the extruder.
			c.setLoadState(StatePartialInExtruder)
		} else {
			c.setLoadState(StateUnloaded)
		}
		return nil
	}

	triggered, err := c.ports.Sensor.Triggered()
	if err != nil {
		return err
	}
	if triggered {
		c.setLoadState(StateFull)
		return nil
	}

	found, err := c.buzzGearMotor()
	if err != nil {
		return err
	}
	if !found {
		c.setLoadState(StateUnloaded)
		return nil
	}
	inExtruder, err := c.checkFilamentStuckInExtruder()
	if err != nil {
		return err
	}
	if inExtruder {
		c.setLoadState(StatePartialInExtruder)
	} else {
		c.setLoadState(StatePartialInBowden)
	}
	return nil
}

// checkFilamentStuckInExtruder probes whether the extruder drive still
// grips the filament: with the gate released, an extruder pull that the
// encoder can see means the filament spans encoder and extruder.
func (c *Controller) checkFilamentStuckInExtruder() (bool, error) {
	if _, err := c.servoUp(); err != nil {
		return false, err
	}
	maxTravel := c.cfg.Extruder.ToolheadHomingMax
	delta, err := c.trace("Checking extruder grip", -maxTravel, c.cfg.Extruder.NozzleUnloadSpeed, motorExtruder)
	if err != nil {
		return false, err
	}
	return maxTravel-delta > 1.0, nil
}

// Recover re-establishes the filament position (operator command).
// force discards the current state even when it looks valid.
func (c *Controller) Recover(force bool) error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkInBypass(); err != nil {
		return err
	}
	if !force && c.loadState != StateUnknown {
		c.logger.Info("filament position already known: %s", c.loadState)
		return nil
	}
	return c.recoverLoadState()
}

// RecoverManual patches the selection and filament position after the
// operator has intervened by hand, without moving anything. Pass -1 to
// leave the tool or gate untouched; loaded is 0 (unloaded), 1 (loaded
// to the nozzle) or -1 to probe instead.
func (c *Controller) RecoverManual(tool, gate, loaded int) error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if tool >= c.cfg.NumGates() || gate >= c.cfg.NumGates() {
		return errors.RuntimeError("tool or gate out of range")
	}
	if gate >= 0 {
		c.gateSelected = gate
		c.ports.Selector.SetPosition(c.cfg.Selector.Offsets[gate])
		c.servoState = ServoUnknown
		c.isHomed = true
	}
	if tool >= 0 {
		c.toolSelected = tool
	}
	c.persistSelection()
	switch loaded {
	case 0:
		c.setLoadState(StateUnloaded)
	case 1:
		c.setLoadState(StateFull)
	default:
		return c.recoverLoadState()
	}
	return nil
}
