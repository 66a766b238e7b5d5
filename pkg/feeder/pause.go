// Pause and lock protocol
//
// A transport failure during a print pauses the job and locks the
// feeder so no further commands move filament until the operator has
// fixed the problem and unlocked.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import "time"

// pause locks the feeder after a transport failure and, when a print
// is active, parks the toolhead and arms the safety timers.
func (c *Controller) pause(reason error) {
	if c.isLocked {
		return
	}
	c.logger.WithError(reason).Error("an issue with the feeder has been detected, pausing")

	if c.host.IsPrinting() {
		if err := c.host.SaveToolheadPosition(c.cfg.Pause.ZHopHeight, c.cfg.Pause.ZHopSpeed); err != nil {
			c.logger.WithError(err).Warn("failed to save toolhead position")
		}
		if err := c.host.PausePrint(); err != nil {
			c.logger.WithError(err).Warn("failed to pause print")
		}
	}
	c.host.ScheduleHeaterOff(time.Duration(c.cfg.Pause.DisableHeater) * time.Second)
	c.savedIdleTimeout = c.host.SetIdleTimeout(c.cfg.Pause.TimeoutPause)

	c.isLocked = true
	c.pausedStart = time.Now()
	c.recordPauseStart()
	c.logger.Info("feeder is locked, use unlock after fixing the issue")
}

// Unlock releases the lock after the operator has cleared the fault.
// It does not resume the print; that stays an explicit host action.
func (c *Controller) Unlock() error {
	if !c.isLocked {
		return nil
	}
	c.host.CancelHeaterOff()
	c.host.SetIdleTimeout(c.savedIdleTimeout)
	c.ports.Encoder.Reset()
	c.recordPauseEnd(time.Since(c.pausedStart))
	c.isLocked = false
	c.logger.Info("feeder unlocked, restore the toolhead position before resuming")
	return nil
}
