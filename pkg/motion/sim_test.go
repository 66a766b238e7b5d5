// Simulated rig tests
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRig() *Rig {
	cfg := DefaultSimConfig()
	cfg.Slip = 0
	return NewRig(cfg)
}

func selectGate(t *testing.T, r *Rig, gate int) {
	t.Helper()
	require.NoError(t, r.Selector.Move(DefaultSimConfig().GateOffsets[gate], 200))
}

func gripServo(t *testing.T, r *Rig, down bool) {
	t.Helper()
	angle := 180.0
	if down {
		angle = DefaultSimConfig().ServoDownAngle
	}
	require.NoError(t, r.Servo.SetAngle(angle))
}

func TestGearMoveRegistersOnEncoder(t *testing.T) {
	r := newTestRig()
	selectGate(t, r, 0)
	gripServo(t, r, true)
	r.SetFilamentPos(0, 0) // tip at the gate

	require.NoError(t, r.Gear.Move(50, 100))
	assert.InDelta(t, 50, r.Encoder.Distance(), 0.01)
	assert.InDelta(t, 50, r.FilamentPos(0), 0.01)
}

func TestGearMoveNeedsGripAndFilament(t *testing.T) {
	r := newTestRig()
	selectGate(t, r, 0)

	// Servo up: gear spins without moving filament
	require.NoError(t, r.Gear.Move(50, 100))
	assert.Zero(t, r.Encoder.Distance())

	// Empty gate: nothing to move
	gripServo(t, r, true)
	r.SetGateEmpty(0)
	require.NoError(t, r.Gear.Move(50, 100))
	assert.Zero(t, r.Encoder.Distance())
}

func TestSlipReducesMeasuredMovement(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Slip = 0.1
	r := NewRig(cfg)
	selectGate(t, r, 0)
	gripServo(t, r, true)
	r.SetFilamentPos(0, 0)

	require.NoError(t, r.Gear.Move(100, 100))
	assert.InDelta(t, 90, r.Encoder.Distance(), 0.01)
}

func TestParkedFilamentIsSilent(t *testing.T) {
	r := newTestRig()
	selectGate(t, r, 0)
	gripServo(t, r, true)

	// A short buzz on freshly inserted filament stays behind the gate
	require.NoError(t, r.Gear.Move(2, 25))
	require.NoError(t, r.Gear.Move(-2, 25))
	assert.Zero(t, r.Encoder.Distance())
	assert.InDelta(t, -23, r.FilamentPos(0), 0.1)
}

func TestForwardMoveStopsAtExtruderEntry(t *testing.T) {
	r := newTestRig()
	selectGate(t, r, 0)
	gripServo(t, r, true)

	require.NoError(t, r.Gear.Move(600, 100))
	assert.InDelta(t, 500, r.FilamentPos(0), 0.01)
	assert.InDelta(t, 500, r.Encoder.Distance(), 0.01)

	// Further unsynced gear moves produce no filament movement
	r.Encoder.Reset()
	require.NoError(t, r.Gear.Move(2, 25))
	assert.Zero(t, r.Encoder.Distance())
}

func TestSyncedMovePassesEntry(t *testing.T) {
	r := newTestRig()
	selectGate(t, r, 0)
	gripServo(t, r, true)

	require.NoError(t, r.Gear.Move(600, 100))
	require.NoError(t, r.Gear.SyncToExtruder(true))
	require.NoError(t, r.Gear.Move(72, 15))
	assert.InDelta(t, 572, r.FilamentPos(0), 0.01)
}

func TestExtruderGripsOnlyNearEntry(t *testing.T) {
	r := newTestRig()
	selectGate(t, r, 0)
	gripServo(t, r, true)
	require.NoError(t, r.Gear.Move(100, 100))
	gripServo(t, r, false)

	r.Encoder.Reset()
	require.NoError(t, r.Extruder.Move(10, 15))
	assert.Zero(t, r.Encoder.Distance(), "filament mid-bowden is out of the extruder's reach")

	r.SetFilamentPos(0, 495)
	require.NoError(t, r.Extruder.Move(10, 15))
	assert.InDelta(t, 10, r.Encoder.Distance(), 0.01)
	assert.InDelta(t, 505, r.FilamentPos(0), 0.01)
}

func TestEncoderSilentBehindGate(t *testing.T) {
	r := newTestRig()
	selectGate(t, r, 0)
	gripServo(t, r, true)
	r.SetFilamentPos(0, 10)
	r.Encoder.Reset()

	// Pull 30mm back: only the 10mm past the gate registers
	require.NoError(t, r.Gear.Move(-30, 25))
	assert.InDelta(t, 10, r.Encoder.Distance(), 0.01)
	assert.InDelta(t, -20, r.FilamentPos(0), 0.01)

	// Feeding forward from behind the gate is silent until the tip passes it
	r.Encoder.Reset()
	require.NoError(t, r.Gear.Move(25, 100))
	assert.InDelta(t, 5, r.Encoder.Distance(), 0.01)
}

func TestToolheadSensor(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Slip = 0
	cfg.HasToolheadSensor = true
	r := NewRig(cfg)
	selectGate(t, r, 0)

	triggered, err := r.Sensor.Triggered()
	require.NoError(t, err)
	assert.False(t, triggered)

	r.SetFilamentPos(0, 510)
	triggered, err = r.Sensor.Triggered()
	require.NoError(t, err)
	assert.True(t, triggered)
}

func TestSensorUnavailableErrors(t *testing.T) {
	r := newTestRig()
	assert.False(t, r.Sensor.Available())
	_, err := r.Sensor.Triggered()
	assert.Error(t, err)
}

func TestGearHomingMoveTriggersAtEntry(t *testing.T) {
	r := newTestRig()
	selectGate(t, r, 0)
	gripServo(t, r, true)
	r.SetFilamentPos(0, 480)

	travel, triggered, err := r.Gear.HomingMove(50, 25)
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.InDelta(t, 20, travel, 0.01)
}

func TestServoReleaseSpringsEncoder(t *testing.T) {
	r := newTestRig()
	selectGate(t, r, 0)
	gripServo(t, r, true)
	require.NoError(t, r.Gear.Move(100, 100))
	r.Encoder.Reset()

	gripServo(t, r, false)
	assert.InDelta(t, 0.5, r.Encoder.Distance(), 0.01)
}

func TestSelectorObstructionClampsTravel(t *testing.T) {
	r := newTestRig()
	r.SetObstruction(30)

	require.NoError(t, r.Selector.Move(45.2, 200))
	assert.InDelta(t, 30, r.Selector.Position(), 0.01)

	travel, err := r.Selector.HomingMove(60, 200)
	require.NoError(t, err)
	assert.Zero(t, travel)
}

func TestSelectorHome(t *testing.T) {
	r := newTestRig()
	require.NoError(t, r.Selector.Move(45.2, 200))
	require.NoError(t, r.Selector.Home(100))
	assert.Zero(t, r.Selector.Position())

	r.Selector.SetPosition(60)
	r.SetObstruction(30)
	assert.Error(t, r.Selector.Home(100))
}

func TestStuckInExtruderBlocksRetraction(t *testing.T) {
	r := newTestRig()
	selectGate(t, r, 0)
	r.SetFilamentPos(0, 520)
	r.SetStuckInExtruder(true)
	r.Encoder.Reset()

	require.NoError(t, r.Extruder.Move(-15, 20))
	assert.Zero(t, r.Encoder.Distance())

	gripServo(t, r, true)
	require.NoError(t, r.Gear.Move(-15, 25))
	assert.Zero(t, r.Encoder.Distance())
}

func TestWithReducedCurrentRestores(t *testing.T) {
	r := newTestRig()
	require.Equal(t, 100, r.Current.Percent())

	err := WithReducedCurrent(r.Current, 50, func() error {
		assert.Equal(t, 50, r.Current.Percent())
		return assert.AnError
	})
	assert.Equal(t, assert.AnError, err)
	assert.Equal(t, 100, r.Current.Percent())
}
