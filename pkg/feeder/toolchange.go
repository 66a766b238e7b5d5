// Tool change and gate management operations
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import (
	"ercf-go/pkg/errors"
	"ercf-go/pkg/vars"
)

// bowdenLength is the calibrated bowden distance for the selected
// gate, corrected by the per-gate calibration ratio.
func (c *Controller) bowdenLength() float64 {
	length := c.calibRef
	if c.gateSelected >= 0 && c.gateSelected < len(c.gateRatios) {
		length *= c.gateRatios[c.gateSelected]
	}
	return length
}

// guardTransport pauses the print when a transport operation fails
// while a job is active.
func (c *Controller) guardTransport(err error) error {
	if err != nil && errors.IsTransport(err) && c.host.IsPrinting() {
		c.pause(err)
	}
	return err
}

// Load loads filament from the selected gate to the nozzle.
func (c *Controller) Load() error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkHomed(); err != nil {
		return err
	}
	if err := c.checkInBypass(); err != nil {
		return err
	}
	if c.gateSelected < 0 {
		return errors.RuntimeError("no gate selected")
	}
	if c.loadState == StateFull {
		return errors.RuntimeError("filament already loaded")
	}
	if c.loadState != StateUnloaded {
		if err := c.recoverLoadState(); err != nil {
			return err
		}
		if c.loadState != StateUnloaded {
			return errors.UnexpectedStateError("load", c.loadState.String())
		}
	}
	if err := c.guardTransport(c.loadSequence(c.bowdenLength(), false)); err != nil {
		return err
	}
	c.ports.Encoder.Reset()
	c.ports.Encoder.SetRunoutEnabled(c.cfg.Clog.Enabled)
	return nil
}

// Unload unloads filament back to the parked position behind the gate.
func (c *Controller) Unload() error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkInBypass(); err != nil {
		return err
	}
	c.ports.Encoder.SetRunoutEnabled(false)
	return c.guardTransport(c.unloadSequence(c.bowdenLength(), false))
}

// ChangeTool unloads the current filament (forming a tip unless
// skipTip, for when the slicer already did) and loads the requested
// tool.
func (c *Controller) ChangeTool(tool int, skipTip bool) error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkHomed(); err != nil {
		return err
	}
	if err := c.checkInBypass(); err != nil {
		return err
	}
	if tool < 0 || tool >= c.cfg.NumGates() {
		return errors.RuntimeError("tool T%d out of range", tool)
	}
	if tool == c.toolSelected && c.loadState == StateFull {
		c.logger.Info("tool T%d already loaded", tool)
		return nil
	}

	c.logger.Info("changing tool from T%d to T%d", c.toolSelected, tool)
	c.ports.Encoder.SetRunoutEnabled(false)

	if c.loadState != StateUnloaded {
		if err := c.guardTransport(c.unloadSequence(c.bowdenLength(), skipTip)); err != nil {
			return err
		}
	}
	if err := c.SelectTool(tool); err != nil {
		return err
	}
	if err := c.guardTransport(c.loadSequence(c.bowdenLength(), false)); err != nil {
		return err
	}
	c.recordSwap()
	c.ports.Encoder.Reset()
	c.ports.Encoder.SetRunoutEnabled(c.cfg.Clog.Enabled)
	return nil
}

// CheckGates probes each named gate (all gates when none are given)
// for filament and updates the availability map. The current selection
// is restored afterwards.
func (c *Controller) CheckGates(gates ...int) error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkHomed(); err != nil {
		return err
	}
	if err := c.checkInBypass(); err != nil {
		return err
	}
	if c.loadState != StateUnloaded {
		return errors.RuntimeError("cannot check gates while filament is loaded")
	}
	if len(gates) == 0 {
		for i := 0; i < c.cfg.NumGates(); i++ {
			gates = append(gates, i)
		}
	}
	prevTool, prevGate := c.toolSelected, c.gateSelected

	for _, gate := range gates {
		if err := c.SelectGate(gate); err != nil {
			return err
		}
		if err := c.probeGate(gate); err != nil {
			return err
		}
	}

	switch {
	case prevTool >= 0:
		return c.SelectTool(prevTool)
	case prevGate >= 0:
		return c.SelectGate(prevGate)
	}
	return nil
}

// probeGate attempts a short pickup at the gate and parks the filament
// again, marking the gate empty when nothing moves.
func (c *Controller) probeGate(gate int) error {
	c.ports.Encoder.Reset()
	_, err := c.loadEncoder()
	if err != nil {
		if errors.Is(err, errors.ErrPickupFailed) {
			c.logger.Info("gate #%d: no filament detected", gate)
			c.setGateStatus(gate, GateStatusEmpty)
			c.setLoadState(StateUnloaded)
			return nil
		}
		return err
	}
	c.logger.Info("gate #%d: filament available", gate)
	if err := c.unloadEncoder(c.cfg.Gear.LongMovesThreshold + c.cfg.Encoder.ParkingDistance); err != nil {
		return err
	}
	if _, err := c.servoUp(); err != nil {
		return err
	}
	c.setLoadState(StateUnloaded)
	return nil
}

// Preload feeds a freshly inserted filament to the parked position
// behind the gate so a later load starts from a known place.
func (c *Controller) Preload(gate int) error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkHomed(); err != nil {
		return err
	}
	if c.loadState != StateUnloaded {
		return errors.RuntimeError("cannot preload while filament is loaded")
	}
	if err := c.SelectGate(gate); err != nil {
		return err
	}
	if err := c.probeGate(gate); err != nil {
		return err
	}
	if c.gateStatus[gate] != GateStatusAvailable {
		return errors.RuntimeError("preload of gate #%d failed, insert filament into the gate and retry", gate)
	}
	return nil
}

// LoadExtruderOnly finishes a load from the extruder entry to the
// nozzle. The filament must already be homed at the extruder, usually
// after a manual recovery.
func (c *Controller) LoadExtruderOnly() error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkInBypass(); err != nil {
		return err
	}
	if c.loadState != StatePartialHomedExtruder && c.loadState != StatePartialHomedSensor {
		return errors.UnexpectedStateError("extruder-only load", c.loadState.String())
	}
	return c.guardTransport(c.loadExtruder())
}

// UnloadExtruderOnly extracts the filament from the extruder and stops
// at the end of the bowden, leaving the rest of the unload to the
// operator or a later command.
func (c *Controller) UnloadExtruderOnly() error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if err := c.checkInBypass(); err != nil {
		return err
	}
	if c.loadState <= StatePartialHomedExtruder {
		return errors.UnexpectedStateError("extruder-only unload", c.loadState.String())
	}
	c.ports.Encoder.SetRunoutEnabled(false)
	if c.loadState == StateFull {
		if err := c.formTip(); err != nil {
			return err
		}
		if c.loadState < StatePartialInExtruder {
			c.logger.Info("filament already clear of the extruder")
			return nil
		}
	}
	return c.guardTransport(c.unloadExtruder())
}

// LoadBypass feeds a manually inserted filament through the bypass
// into the extruder. The filament skips the gates, so only the final
// approach to the nozzle applies.
func (c *Controller) LoadBypass() error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if c.gateSelected != GateBypass {
		return errors.RuntimeError("bypass is not selected")
	}
	if c.loadState == StateFull {
		return errors.RuntimeError("filament already loaded")
	}
	c.ports.Encoder.Reset()
	c.setDirection(DirectionLoad)
	var err error
	if c.ports.Sensor.Available() {
		err = c.homeToToolheadSensor(true)
	}
	if err == nil {
		err = c.loadExtruder()
	}
	return c.guardTransport(err)
}

// UnloadBypass extracts the bypass filament from the extruder. The
// operator pulls it the rest of the way out by hand.
func (c *Controller) UnloadBypass() error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	if c.gateSelected != GateBypass {
		return errors.RuntimeError("bypass is not selected")
	}
	if c.loadState == StateUnloaded {
		return nil
	}
	c.ports.Encoder.Reset()
	c.setDirection(DirectionUnload)
	if c.loadState == StateFull {
		if err := c.checkExtruderTemp(); err != nil {
			return err
		}
		if err := c.host.FormTip(); err != nil {
			return errors.Wrap(err, errors.ErrRuntime, "tip forming failed")
		}
	}
	if err := c.guardTransport(c.unloadExtruder()); err != nil {
		return err
	}
	c.setLoadState(StateUnloaded)
	return nil
}

// RemapTool maps a tool to a different gate.
func (c *Controller) RemapTool(tool, gate int) error {
	if tool < 0 || tool >= c.cfg.NumGates() {
		return errors.RuntimeError("tool T%d out of range", tool)
	}
	if gate < 0 || gate >= c.cfg.NumGates() {
		return errors.RuntimeError("gate #%d out of range", gate)
	}
	c.toolToGate[tool] = gate
	c.persistToolGateMap()
	return nil
}

// ResetToolMapping restores the identity tool to gate mapping and
// marks every gate available again.
func (c *Controller) ResetToolMapping() {
	for i := range c.toolToGate {
		c.toolToGate[i] = i
		c.gateStatus[i] = GateStatusAvailable
	}
	c.persistToolGateMap()
	if c.cfg.Persistence.Level >= 1 {
		if err := c.store.Set(vars.VarGateStatus, c.gateStatus); err != nil {
			c.logger.WithError(err).Warn("failed to persist gate status")
		}
	}
}

// SetGateInfo records the material and color of the filament loaded at
// a gate.
func (c *Controller) SetGateInfo(gate int, material, color string) error {
	if gate < 0 || gate >= c.cfg.NumGates() {
		return errors.RuntimeError("gate #%d out of range", gate)
	}
	c.gateMaterial[gate] = material
	c.gateColor[gate] = color
	c.persistGateInfo()
	return nil
}

// UpdateGateStatus records gate availability supplied by the operator.
func (c *Controller) UpdateGateStatus(gate, status int) error {
	if gate < 0 || gate >= c.cfg.NumGates() {
		return errors.RuntimeError("gate #%d out of range", gate)
	}
	if status != GateStatusUnknown && status != GateStatusEmpty && status != GateStatusAvailable {
		return errors.RuntimeError("invalid gate status %d", status)
	}
	c.setGateStatus(gate, status)
	return nil
}

// SetEndlessSpoolGroups replaces the per-gate failover groups.
func (c *Controller) SetEndlessSpoolGroups(groups []int) error {
	if len(groups) != c.cfg.NumGates() {
		return errors.RuntimeError("expected %d group entries, got %d", c.cfg.NumGates(), len(groups))
	}
	copy(c.endlessGroups, groups)
	c.persistEndlessGroups()
	return nil
}
