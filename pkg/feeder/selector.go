// Selector movement and tool selection
//
// The selector cart positions one of the gates (or the bypass) over
// the filament path. Sensorless selection uses stallguard homing moves
// and can recover from a blocked path by clearing the filament that is
// jamming the cart.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import (
	"math"

	"ercf-go/pkg/errors"
)

// Home homes the selector cart and optionally selects a tool
// afterwards. Pass a negative tool to leave nothing selected.
// forceUnload extracts loaded filament first instead of refusing.
func (c *Controller) Home(tool int, forceUnload bool) error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if c.loadState != StateUnloaded && c.loadState != StateUnknown {
		if !forceUnload {
			return errors.RuntimeError("cannot home selector while filament is loaded, unload first")
		}
		if err := c.guardTransport(c.unloadSequence(c.bowdenLength(), false)); err != nil {
			return err
		}
	}
	if _, err := c.servoUp(); err != nil {
		return err
	}
	c.unselectTool()
	if err := c.homeSelector(); err != nil {
		return err
	}
	if tool >= 0 {
		return c.SelectTool(tool)
	}
	return nil
}

func (c *Controller) homeSelector() error {
	c.logger.Info("homing selector...")
	c.isHomed = false
	maxTravel := c.cfg.Selector.Offsets[len(c.cfg.Selector.Offsets)-1] + 20
	if c.cfg.Selector.BypassOffset > maxTravel {
		maxTravel = c.cfg.Selector.BypassOffset + 20
	}
	if err := c.ports.Selector.Home(maxTravel); err != nil {
		return errors.Wrap(err, errors.ErrSelectorBlocked, "selector homing failed")
	}
	c.isHomed = true
	return nil
}

// SelectTool positions the selector at the gate mapped to the tool.
func (c *Controller) SelectTool(tool int) error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkHomed(); err != nil {
		return err
	}
	if tool < 0 || tool >= c.cfg.NumGates() {
		return errors.RuntimeError("tool T%d out of range", tool)
	}
	gate := c.toolToGate[tool]
	if tool == c.toolSelected && gate == c.gateSelected {
		c.logger.Debug("tool T%d already selected", tool)
		return nil
	}
	c.logger.Info("selecting tool T%d on gate #%d", tool, gate)
	if _, err := c.servoUp(); err != nil {
		return err
	}
	if err := c.selectGate(gate); err != nil {
		return err
	}
	c.toolSelected = tool
	c.persistSelection()
	return nil
}

// SelectGate positions the selector at a gate directly, without a tool
// association. Used by gate checking and preloading.
func (c *Controller) SelectGate(gate int) error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkHomed(); err != nil {
		return err
	}
	if gate < 0 || gate >= c.cfg.NumGates() {
		return errors.RuntimeError("gate #%d out of range", gate)
	}
	if _, err := c.servoUp(); err != nil {
		return err
	}
	if err := c.selectGate(gate); err != nil {
		return err
	}
	c.toolSelected = ToolUnknown
	c.persistSelection()
	return nil
}

// SelectBypass positions the selector at the bypass slot so filament
// can be fed directly without the feeder.
func (c *Controller) SelectBypass() error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkHomed(); err != nil {
		return err
	}
	if c.cfg.Selector.BypassOffset <= 0 {
		return errors.RuntimeError("bypass not configured")
	}
	if c.loadState != StateUnloaded {
		return errors.RuntimeError("cannot select bypass while filament is loaded")
	}
	if _, err := c.servoUp(); err != nil {
		return err
	}
	if err := c.moveSelector(c.cfg.Selector.BypassOffset); err != nil {
		return err
	}
	c.gateSelected = GateBypass
	c.toolSelected = ToolBypass
	c.persistSelection()
	c.logger.Info("bypass selected")
	return nil
}

// unselectTool forgets the tool association without moving anything.
func (c *Controller) unselectTool() {
	c.toolSelected = ToolUnknown
	c.gateSelected = GateUnknown
	c.persistSelection()
}

// selectGate moves the selector cart to the gate offset.
func (c *Controller) selectGate(gate int) error {
	offset := c.cfg.Selector.Offsets[gate]
	if err := c.moveSelector(offset); err != nil {
		return err
	}
	c.gateSelected = gate
	c.servoState = ServoUnknown
	return nil
}

func (c *Controller) moveSelector(target float64) error {
	c.logger.Stepper("selector motor: move to %.1fmm at %.1fmm/s", target, c.cfg.Selector.MoveSpeed)
	if !c.cfg.Selector.Sensorless {
		return c.ports.Selector.Move(target, c.cfg.Selector.MoveSpeed)
	}
	return c.moveSelectorSensorless(target)
}

// moveSelectorSensorless moves the cart with stall detection enabled.
// A stall close to the start means filament from the current gate is
// jamming the cart, which recovery can clear; a stall further along
// means the path itself is obstructed.
func (c *Controller) moveSelectorSensorless(target float64) error {
	ok, travel, err := c.attemptSelectorMove(target)
	if err != nil || ok {
		return err
	}

	if math.Abs(travel) >= 3.0 {
		return errors.SelectorPathBlockedError(target, travel)
	}

	// The cart barely moved: almost certainly our own filament wedged
	// in the selector. Try to drag it clear and re-home.
	c.logger.Warn("selector stalled immediately, attempting recovery")
	found, err := c.buzzGearMotor()
	if err != nil {
		return err
	}
	if found {
		delta, err := c.trace("Re-engaging filament with the gear", 45, c.cfg.Gear.ShortMovesSpeed, motorGear)
		if err != nil {
			return err
		}
		if delta == 45 {
			return errors.SelectorBlockedError("path is internally blocked and the gear cannot move filament to clear it")
		}
	}
	if err := c.unloadSequence(c.calibRef, true); err != nil {
		return err
	}
	if err := c.homeSelector(); err != nil {
		return err
	}
	ok, _, err = c.attemptSelectorMove(target)
	if err != nil {
		return err
	}
	if !ok {
		return errors.SelectorBlockedError("path is blocked even after clearing filament")
	}
	return nil
}

// attemptSelectorMove issues one stall-detected move and reports
// whether the cart reached the target, truing the position when it did.
func (c *Controller) attemptSelectorMove(target float64) (bool, float64, error) {
	intended := target - c.ports.Selector.Position()
	travel, err := c.ports.Selector.HomingMove(target, c.cfg.Selector.HomingSpeed)
	if err != nil {
		return false, 0, err
	}
	if math.Abs(intended-travel) <= 1.0 {
		c.ports.Selector.SetPosition(target)
		return true, travel, nil
	}
	return false, travel, nil
}
