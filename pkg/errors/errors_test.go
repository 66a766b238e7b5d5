// Error taxonomy tests
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorRendering(t *testing.T) {
	err := PickupFailedError(2, 70, 1.5)
	assert.Equal(t, ErrPickupFailed, err.Code)
	assert.Equal(t, 2, err.Gate)
	assert.Contains(t, err.Error(), "[PICKUP_FAILED]")
	assert.Contains(t, err.Error(), "gate #2")

	err = err.SetTool(3)
	assert.Contains(t, err.Error(), "tool T3", "tool context wins over gate")
}

func TestWrapKeepsContext(t *testing.T) {
	inner := HomingFailedError("extruder entry", 50).SetTool(1).SetGate(4)
	wrapped := Wrap(inner, ErrRuntime, "load aborted")

	assert.Equal(t, 1, wrapped.Tool)
	assert.Equal(t, 4, wrapped.Gate)
	require.ErrorIs(t, wrapped, inner)
	assert.True(t, stderrors.Is(wrapped, inner))
}

func TestCategoryPredicates(t *testing.T) {
	assert.True(t, Is(ClogDetectedError(), ErrClogDetected))
	assert.False(t, Is(ClogDetectedError(), ErrNoSpares))
	assert.False(t, Is(stderrors.New("plain"), ErrRuntime))

	assert.True(t, IsTransport(BowdenSlippageError(460, 400)))
	assert.True(t, IsTransport(FilamentStuckError(2.5)))
	assert.False(t, IsTransport(NotHomedError()))
	assert.False(t, IsTransport(ColdExtruderError(20, 180)))

	assert.True(t, IsConfig(ConfigOptionError("gear_speed", "must be positive")))
	assert.False(t, IsConfig(LockedError()))
}

func TestNoSparesListsCheckedGates(t *testing.T) {
	err := NoSparesError(0, []int{4, 0})
	assert.Contains(t, err.Error(), "group 0")
	assert.Contains(t, err.Error(), "[4 0]")
}

func TestRuntimeErrorFormats(t *testing.T) {
	err := RuntimeError("gate #%d out of range", 9)
	assert.Equal(t, ErrRuntime, err.Code)
	assert.Contains(t, err.Error(), "gate #9 out of range")
}

func TestSetContext(t *testing.T) {
	err := New(ErrRuntime, "oops").SetContext("attempt", 2)
	assert.Equal(t, 2, err.Context["attempt"])
}
