// Runout handling and EndlessSpool failover
//
// When the encoder stops seeing movement during a print the cause is
// either a clog (filament present but not moving) or a runout (spool
// exhausted). A runout fails over to the next available gate in the
// same EndlessSpool group without operator help.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import "ercf-go/pkg/errors"

// HandleRunout reacts to an encoder insertion-run stall. force skips
// the clog check and treats the event as a runout unconditionally.
// Failures pause the print and lock the feeder.
func (c *Controller) HandleRunout(force bool) error {
	err := c.handleRunout(force)
	if err != nil {
		c.pause(err)
	}
	return err
}

func (c *Controller) handleRunout(force bool) error {
	c.ports.Encoder.SetRunoutEnabled(false)
	if c.toolSelected < 0 {
		return errors.RuntimeError("runout detected with no tool selected")
	}
	gate := c.gateSelected

	if err := c.host.SaveToolheadPosition(c.cfg.Pause.ZHopHeight, c.cfg.Pause.ZHopSpeed); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "failed to save toolhead position")
	}

	if !force {
		found, err := c.buzzGearMotor()
		if err != nil {
			return err
		}
		if found {
			return errors.ClogDetectedError()
		}
	}

	c.logger.Info("a filament runout has been detected on gate #%d", gate)
	if !c.cfg.EndlessSpool.Enabled {
		c.setGateStatus(gate, GateStatusEmpty)
		return errors.RuntimeError("EndlessSpool is disabled, manual intervention is required")
	}

	group := c.endlessGroups[gate]
	nextGate, checked := c.nextGateInGroup(gate, group)
	c.setGateStatus(gate, GateStatusEmpty)
	if nextGate < 0 {
		return errors.NoSparesError(group, checked)
	}

	c.logger.Info("EndlessSpool: remapping T%d from gate #%d to gate #%d", c.toolSelected, gate, nextGate)
	if err := c.formTip(); err != nil {
		return err
	}
	if err := c.unloadSequence(c.bowdenLength(), true); err != nil {
		return err
	}

	tool := c.toolSelected
	c.toolToGate[tool] = nextGate
	c.persistToolGateMap()
	if err := c.selectGate(nextGate); err != nil {
		return err
	}
	c.toolSelected = tool
	c.persistSelection()
	if err := c.loadSequence(c.bowdenLength(), false); err != nil {
		return err
	}

	if err := c.host.RestoreToolheadPosition(); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "failed to restore toolhead position")
	}
	c.ports.Encoder.Reset()
	c.ports.Encoder.SetRunoutEnabled(c.cfg.Clog.Enabled)
	c.logger.Info("EndlessSpool swap completed, print continues")
	return nil
}

// nextGateInGroup scans gates after the exhausted one, wrapping
// around, for the next available gate in the same group. It returns
// the gate (or -1) and every gate it considered.
func (c *Controller) nextGateInGroup(gate, group int) (int, []int) {
	n := c.cfg.NumGates()
	checked := []int{}
	for i := 1; i < n; i++ {
		candidate := (gate + i) % n
		if c.endlessGroups[candidate] != group {
			continue
		}
		checked = append(checked, candidate)
		if c.gateStatus[candidate] != GateStatusEmpty {
			return candidate, checked
		}
	}
	return -1, checked
}
