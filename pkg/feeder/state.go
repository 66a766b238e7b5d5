// Filament transport state model
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import "fmt"

// LoadState tracks how far the filament has progressed from the gate
// toward the nozzle. The ordering is significant: comparisons against
// these values drive the unload dispatch.
type LoadState int

const (
	StateUnknown              LoadState = -1
	StateUnloaded             LoadState = 0
	StatePartialBeforeEncoder LoadState = 1
	StatePartialPastEncoder   LoadState = 2
	StatePartialInBowden      LoadState = 3
	StatePartialEndOfBowden   LoadState = 4
	StatePartialHomedExtruder LoadState = 5
	StatePartialHomedSensor   LoadState = 6
	StatePartialInExtruder    LoadState = 7
	StateFull                 LoadState = 8
)

func (s LoadState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateUnloaded:
		return "unloaded"
	case StatePartialBeforeEncoder:
		return "before encoder"
	case StatePartialPastEncoder:
		return "past encoder"
	case StatePartialInBowden:
		return "in bowden"
	case StatePartialEndOfBowden:
		return "end of bowden"
	case StatePartialHomedExtruder:
		return "homed to extruder"
	case StatePartialHomedSensor:
		return "homed to sensor"
	case StatePartialInExtruder:
		return "in extruder"
	case StateFull:
		return "loaded"
	default:
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
}

// Tool selection sentinels.
const (
	ToolUnknown = -1
	ToolBypass  = -2
)

// Gate selection sentinels and gate availability.
const (
	GateUnknown = -1
	GateBypass  = -2
)

const (
	GateStatusUnknown   = -1
	GateStatusEmpty     = 0
	GateStatusAvailable = 1
)

// Direction of the last filament movement.
type Direction int

const (
	DirectionUnknown Direction = 0
	DirectionLoad    Direction = 1
	DirectionUnload  Direction = -1
)

// ServoState tracks the gate clamp position.
type ServoState int

const (
	ServoUnknown ServoState = iota
	ServoUp
	ServoDown
)

// visualState renders the classic filament position diagram for a
// state. The tool label reflects the current selection.
func visualState(state LoadState, tool int) string {
	toolStr := "T?"
	switch {
	case tool == ToolBypass:
		toolStr = "Bp"
	case tool >= 0:
		toolStr = fmt.Sprintf("T%d", tool)
	}

	var diagram string
	switch state {
	case StateUnloaded:
		diagram = ">.. [En] ....... [Ex] .. [Ts] .. [Nz] UNLOADED"
	case StatePartialBeforeEncoder:
		diagram = ">>. [En] ....... [Ex] .. [Ts] .. [Nz]"
	case StatePartialPastEncoder:
		diagram = ">>> [En] >...... [Ex] .. [Ts] .. [Nz]"
	case StatePartialInBowden:
		diagram = ">>> [En] >>>>... [Ex] .. [Ts] .. [Nz]"
	case StatePartialEndOfBowden:
		diagram = ">>> [En] >>>>>>> [Ex] .. [Ts] .. [Nz]"
	case StatePartialHomedExtruder:
		diagram = ">>> [En] >>>>>>| [Ex] .. [Ts] .. [Nz]"
	case StatePartialHomedSensor:
		diagram = ">>> [En] >>>>>>> [Ex] >| [Ts] .. [Nz]"
	case StatePartialInExtruder:
		diagram = ">>> [En] >>>>>>> [Ex] >> [Ts] .. [Nz]"
	case StateFull:
		diagram = ">>> [En] >>>>>>> [Ex] >> [Ts] >> [Nz] LOADED"
	default:
		diagram = "??? [En] ??????? [Ex] ?? [Ts] ?? [Nz] UNKNOWN"
	}
	return fmt.Sprintf("Feeder [%s] %s", toolStr, diagram)
}
