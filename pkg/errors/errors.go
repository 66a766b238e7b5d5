// Unified error handling for the filament feeder host
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import "fmt"

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Persisted variable store errors
	ErrVarsStore ErrorCode = "VARS_STORE"
	ErrVarsStale ErrorCode = "VARS_STALE"

	// Transport errors. All abort the current operation; recovery is
	// through the pause/unlock protocol.
	ErrPickupFailed        ErrorCode = "PICKUP_FAILED"
	ErrHomingFailed        ErrorCode = "HOMING_FAILED"
	ErrNozzleMoveFailed    ErrorCode = "NOZZLE_MOVE_FAILED"
	ErrBowdenSlippage      ErrorCode = "BOWDEN_SLIPPAGE"
	ErrSelectorBlocked     ErrorCode = "SELECTOR_BLOCKED"
	ErrSelectorPathBlocked ErrorCode = "SELECTOR_PATH_BLOCKED"
	ErrFilamentStuck       ErrorCode = "FILAMENT_STUCK"
	ErrNoSpares            ErrorCode = "NO_SPARES"
	ErrClogDetected        ErrorCode = "CLOG_DETECTED"
	ErrSensorMalfunction   ErrorCode = "SENSOR_MALFUNCTION"
	ErrUnexpectedState     ErrorCode = "UNEXPECTED_STATE"

	// Operation preconditions
	ErrNotHomed      ErrorCode = "NOT_HOMED"
	ErrLocked        ErrorCode = "LOCKED"
	ErrNotCalibrated ErrorCode = "NOT_CALIBRATED"
	ErrColdExtruder  ErrorCode = "COLD_EXTRUDER"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
)

// FeederError is the unified error type for the feeder host
type FeederError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Tool and Gate identify the operation context (-1 if not applicable)
	Tool int
	Gate int

	// Position is the best-known filament position when the error was
	// raised, already rendered for the operator
	Position string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *FeederError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Tool >= 0 {
		msg += fmt.Sprintf(" (tool T%d)", e.Tool)
	} else if e.Gate >= 0 {
		msg += fmt.Sprintf(" (gate #%d)", e.Gate)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *FeederError) Unwrap() error {
	return e.Err
}

// SetTool sets the tool context
func (e *FeederError) SetTool(tool int) *FeederError {
	e.Tool = tool
	return e
}

// SetGate sets the gate context
func (e *FeederError) SetGate(gate int) *FeederError {
	e.Gate = gate
	return e
}

// SetPosition records the rendered filament position
func (e *FeederError) SetPosition(position string) *FeederError {
	e.Position = position
	return e
}

// SetContext adds additional context
func (e *FeederError) SetContext(key string, value interface{}) *FeederError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new FeederError
func New(code ErrorCode, message string) *FeederError {
	return &FeederError{
		Code:    code,
		Message: message,
		Tool:    -1,
		Gate:    -1,
	}
}

// Newf creates a new FeederError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *FeederError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *FeederError {
	e := New(code, message)
	e.Err = err
	if fe, ok := err.(*FeederError); ok {
		e.Tool = fe.Tool
		e.Gate = fe.Gate
		e.Position = fe.Position
	}
	return e
}

// Config errors

// ConfigOptionError creates an error for a missing or invalid config option
func ConfigOptionError(option, reason string) *FeederError {
	return Newf(ErrConfigOption, "option '%s': %s", option, reason)
}

// ConfigValidationError creates an error for a config validation failure
func ConfigValidationError(option, reason string) *FeederError {
	return Newf(ErrConfigValidation, "option '%s': %s", option, reason)
}

// Variable store errors

// VarsStoreError creates an error for a persisted variable store failure
func VarsStoreError(operation string, err error) *FeederError {
	return Wrap(err, ErrVarsStore, fmt.Sprintf("variable store %s failed", operation))
}

// Transport errors

// PickupFailedError creates an error for failing to engage filament at the gate
func PickupFailedError(gate int, commanded, measured float64) *FeederError {
	return Newf(ErrPickupFailed,
		"error picking up filament at gate: moved %.1fmm but encoder measured only %.1fmm",
		commanded, measured).SetGate(gate)
}

// HomingFailedError creates an error for an exhausted homing move
func HomingFailedError(target string, maxTravel float64) *FeederError {
	return Newf(ErrHomingFailed, "failed to home to %s after moving %.1fmm", target, maxTravel)
}

// NozzleMoveFailedError creates an error for insufficient movement on the
// final approach to the nozzle
func NozzleMoveFailedError(expected, measured float64) *FeederError {
	return Newf(ErrNozzleMoveFailed,
		"move to nozzle failed: expected %.1fmm but encoder measured %.1fmm",
		expected, measured)
}

// BowdenSlippageError creates an error for gross slippage during a bowden move
func BowdenSlippageError(commanded, delta float64) *FeederError {
	return Newf(ErrBowdenSlippage,
		"failure moving through bowden: moved %.1fmm with encoder delta %.1fmm",
		commanded, delta)
}

// SelectorBlockedError creates an error for an internal selector obstruction
func SelectorBlockedError(reason string) *FeederError {
	return Newf(ErrSelectorBlocked, "selector recovery failed: %s", reason)
}

// SelectorPathBlockedError creates an error for an external selector obstruction
func SelectorPathBlockedError(intended, travel float64) *FeederError {
	return Newf(ErrSelectorPathBlocked,
		"selector path is probably blocked: moved %.1fmm of intended %.1fmm", travel, intended)
}

// FilamentStuckError creates an error for residual grip after servo release
func FilamentStuckError(residual float64) *FeederError {
	return Newf(ErrFilamentStuck,
		"filament seems to be stuck: %.1fmm of movement after full servo release", residual)
}

// NoSparesError creates an error for an exhausted EndlessSpool group
func NoSparesError(group int, checked []int) *FeederError {
	return Newf(ErrNoSpares,
		"no spare filament available in EndlessSpool group %d, checked gates %v", group, checked)
}

// ClogDetectedError creates an error for a confirmed clog
func ClogDetectedError() *FeederError {
	return New(ErrClogDetected, "filament detected at gate, possible clog that requires manual intervention")
}

// SensorMalfunctionError creates an error for an implausible sensor reading
func SensorMalfunctionError(reason string) *FeederError {
	return Newf(ErrSensorMalfunction, "toolhead sensor malfunction: %s", reason)
}

// UnexpectedStateError creates an error for an internal invariant violation.
// Always surfaced, never retried.
func UnexpectedStateError(operation, state string) *FeederError {
	return Newf(ErrUnexpectedState, "unexpected filament position '%s' during %s", state, operation)
}

// Precondition errors

// NotHomedError creates an error for operating before the selector is homed
func NotHomedError() *FeederError {
	return New(ErrNotHomed, "selector must be homed first")
}

// LockedError creates an error for operating while in the locked/paused state
func LockedError() *FeederError {
	return New(ErrLocked, "feeder is locked, unlock before continuing")
}

// NotCalibratedError creates an error for operating without calibration data
func NotCalibratedError(what string) *FeederError {
	return Newf(ErrNotCalibrated, "%s is not calibrated", what)
}

// ColdExtruderError creates an error for extruder moves below minimum temperature
func ColdExtruderError(current, minimum float64) *FeederError {
	return Newf(ErrColdExtruder,
		"extruder temperature %.0fC is below minimum %.0fC", current, minimum)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(format string, args ...interface{}) *FeederError {
	return Newf(ErrRuntime, format, args...)
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, reason string) *FeederError {
	return Newf(ErrRuntimeInit, "failed to initialize %s: %s", component, reason)
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	if feederErr, ok := err.(*FeederError); ok {
		return feederErr.Code == code
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigOption) || Is(err, ErrConfigValidation)
}

// IsTransport checks if error belongs to the filament transport taxonomy
func IsTransport(err error) bool {
	switch {
	case Is(err, ErrPickupFailed),
		Is(err, ErrHomingFailed),
		Is(err, ErrNozzleMoveFailed),
		Is(err, ErrBowdenSlippage),
		Is(err, ErrSelectorBlocked),
		Is(err, ErrSelectorPathBlocked),
		Is(err, ErrFilamentStuck),
		Is(err, ErrNoSpares),
		Is(err, ErrClogDetected),
		Is(err, ErrSensorMalfunction),
		Is(err, ErrUnexpectedState):
		return true
	}
	return false
}
