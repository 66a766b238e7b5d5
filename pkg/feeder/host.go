// Print host contract
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import "time"

// Host is the printer-side contract the controller calls into for
// operations that belong to the print host rather than the feeder:
// pausing the print job, toolhead position bookkeeping, tip forming and
// the timers armed while paused.
type Host interface {
	// IsPrinting reports whether a print job is active.
	IsPrinting() bool

	PausePrint() error
	ResumePrint() error

	// SaveToolheadPosition records the toolhead position and lifts the
	// nozzle by zHop at the given speed.
	SaveToolheadPosition(zHop, speed float64) error
	RestoreToolheadPosition() error

	// FormTip runs the standalone tip forming routine.
	FormTip() error

	// ScheduleHeaterOff arms a timer that turns the extruder heater
	// off after the given delay. CancelHeaterOff disarms it.
	ScheduleHeaterOff(after time.Duration)
	CancelHeaterOff()

	// SetIdleTimeout overrides the host idle timeout and returns the
	// previous value, in seconds.
	SetIdleTimeout(seconds int) int
}

// NullHost is a Host that does nothing. It backs the demo binary and
// any deployment without print-host integration.
type NullHost struct {
	Printing    bool
	idleTimeout int
}

func (h *NullHost) IsPrinting() bool { return h.Printing }

func (h *NullHost) PausePrint() error  { return nil }
func (h *NullHost) ResumePrint() error { return nil }

func (h *NullHost) SaveToolheadPosition(zHop, speed float64) error { return nil }
func (h *NullHost) RestoreToolheadPosition() error                 { return nil }

func (h *NullHost) FormTip() error { return nil }

func (h *NullHost) ScheduleHeaterOff(after time.Duration) {}
func (h *NullHost) CancelHeaterOff()                      {}

func (h *NullHost) SetIdleTimeout(seconds int) int {
	prev := h.idleTimeout
	h.idleTimeout = seconds
	return prev
}
