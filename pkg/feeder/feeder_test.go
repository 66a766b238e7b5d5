// Feeder controller tests against the simulated rig
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ercf-go/pkg/config"
	feederrors "ercf-go/pkg/errors"
	"ercf-go/pkg/motion"
	"ercf-go/pkg/vars"
)

// testHost is a Host that moves filament during tip forming the way a
// real tip forming macro does, and records pause activity.
type testHost struct {
	NullHost
	rig     *motion.Rig
	pauses  int
	resumes int
}

func (h *testHost) FormTip() error {
	h.rig.Extruder.Move(-2, 20)
	h.rig.Extruder.Move(2, 20)
	return nil
}

func (h *testHost) PausePrint() error {
	h.pauses++
	return nil
}

func (h *testHost) ResumePrint() error {
	h.resumes++
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Selector.Offsets = []float64{3.2, 24.2, 45.2, 66.2, 87.2}
	cfg.Bowden.CalibrationLength = 500
	cfg.Bowden.UnloadTolerance = cfg.Bowden.LoadTolerance
	cfg.Extruder.HomePositionToNozzle = 72
	cfg.Logging.Visual = false
	return &cfg
}

func rigPorts(r *motion.Rig) Ports {
	return Ports{
		Gear:     r.Gear,
		Extruder: r.Extruder,
		Selector: r.Selector,
		Encoder:  r.Encoder,
		Servo:    r.Servo,
		Sensor:   r.Sensor,
		Current:  r.Current,
	}
}

func newTestFeeder(t *testing.T, cfg *config.Config, simCfg motion.SimConfig) (*Controller, *motion.Rig, *testHost, *vars.Store) {
	t.Helper()
	store, err := vars.Open(filepath.Join(t.TempDir(), "vars.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rig := motion.NewRig(simCfg)
	rig.SetExtruderTemp(200, 200)
	host := &testHost{rig: rig}
	c := New(cfg, rigPorts(rig), store, host, nil)
	return c, rig, host, store
}

func homedFeeder(t *testing.T, cfg *config.Config, simCfg motion.SimConfig) (*Controller, *motion.Rig, *testHost, *vars.Store) {
	t.Helper()
	c, rig, host, store := newTestFeeder(t, cfg, simCfg)
	require.NoError(t, c.Home(-1, false))
	require.NoError(t, c.Recover(true))
	return c, rig, host, store
}

func TestFullLoadUnloadCycle(t *testing.T) {
	c, rig, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())

	require.NoError(t, c.SelectTool(0))
	require.NoError(t, c.Load())
	assert.Equal(t, StateFull, c.LoadState())
	assert.InDelta(t, 572, rig.FilamentPos(0), 2.0, "filament should reach the nozzle")
	assert.True(t, rig.RunoutArmed())

	require.NoError(t, c.Unload())
	assert.Equal(t, StateUnloaded, c.LoadState())
	assert.Less(t, rig.FilamentPos(0), 0.0, "filament should park behind the gate")
	assert.False(t, rig.RunoutArmed())
}

func TestLoadWithToolheadSensor(t *testing.T) {
	simCfg := motion.DefaultSimConfig()
	simCfg.HasToolheadSensor = true
	c, rig, _, _ := homedFeeder(t, testConfig(), simCfg)

	require.NoError(t, c.SelectTool(1))
	require.NoError(t, c.Load())
	assert.Equal(t, StateFull, c.LoadState())
	assert.InDelta(t, 572, rig.FilamentPos(1), 2.0)
}

func TestRepeatedSwapsStayParked(t *testing.T) {
	c, rig, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())

	require.NoError(t, c.SelectTool(0))
	require.NoError(t, c.Load())
	require.NoError(t, c.ChangeTool(1, false))
	require.NoError(t, c.ChangeTool(0, false))

	assert.Equal(t, StateFull, c.LoadState())
	assert.Equal(t, 0, c.Tool())
	assert.Less(t, rig.FilamentPos(1), 0.0, "previous filament should be parked")
	assert.InDelta(t, 572, rig.FilamentPos(0), 2.0)

	_, swaps := c.Stats()
	assert.Equal(t, 2, swaps.TotalSwaps)
}

func TestPickupFailureAfterRetries(t *testing.T) {
	c, rig, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	rig.SetGateEmpty(0)

	require.NoError(t, c.SelectTool(0))
	err := c.Load()
	require.Error(t, err)
	assert.True(t, feederrors.Is(err, feederrors.ErrPickupFailed))
	assert.Equal(t, StateUnloaded, c.LoadState())
	assert.Equal(t, GateStatusUnknown, c.GateStatus()[0])

	stats, _ := c.Stats()
	assert.Equal(t, 1, stats[0].LoadFailures)
	assert.Equal(t, 1, stats[0].ServoRetries)
}

func TestSlipAccountingGradesGate(t *testing.T) {
	simCfg := motion.DefaultSimConfig()
	simCfg.Slip = 0.05
	c, _, _, _ := homedFeeder(t, testConfig(), simCfg)

	require.NoError(t, c.SelectTool(0))
	require.NoError(t, c.Load())

	stats, _ := c.Stats()
	assert.Greater(t, stats[0].LoadDelta, 20.0)
	assert.Equal(t, "Degraded", stats[0].Grade())
	assert.Contains(t, c.StatsReport(), "Degraded")
}

func TestBowdenOverSlipKeepsConservativeState(t *testing.T) {
	cfg := testConfig()
	cfg.Bowden.ApplyCorrection = false
	simCfg := motion.DefaultSimConfig()
	simCfg.Slip = 0.15
	c, _, _, _ := homedFeeder(t, cfg, simCfg)
	require.NoError(t, c.SelectTool(0))

	_, err := c.loadEncoder()
	require.NoError(t, err)
	require.NoError(t, c.loadBowden(400))
	assert.Equal(t, StatePartialInBowden, c.LoadState(),
		"an unconfirmed bowden move must not advance the position")
}

func TestCorrectionMovesTracked(t *testing.T) {
	cfg := testConfig()
	cfg.Bowden.ApplyCorrection = true
	simCfg := motion.DefaultSimConfig()
	simCfg.Slip = 0.05
	c, _, _, _ := homedFeeder(t, cfg, simCfg)

	require.NoError(t, c.SelectTool(0))
	require.NoError(t, c.Load())
	assert.Equal(t, StateFull, c.LoadState())

	// Main moves: 433.5mm commanded with 21.675mm slip; one correction
	// move of 21.675mm with 1.084mm slip.
	stats, _ := c.Stats()
	assert.InDelta(t, 455.2, stats[0].LoadDistance, 0.5,
		"correction moves count toward the tracked distance")
	assert.InDelta(t, 22.8, stats[0].LoadDelta, 0.5)
}

func TestIdempotentUnload(t *testing.T) {
	c, _, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	require.NoError(t, c.SelectTool(0))

	require.NoError(t, c.Unload())
	assert.Equal(t, StateUnloaded, c.LoadState())
	require.NoError(t, c.Unload())
	assert.Equal(t, StateUnloaded, c.LoadState())
}

func TestColdExtruderRefusesNozzleMove(t *testing.T) {
	c, rig, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	rig.SetExtruderTemp(20, 0)

	require.NoError(t, c.SelectTool(0))
	err := c.Load()
	require.Error(t, err)
	assert.True(t, feederrors.Is(err, feederrors.ErrColdExtruder))
}

func TestUnloadStuckInExtruder(t *testing.T) {
	simCfg := motion.DefaultSimConfig()
	simCfg.HasToolheadSensor = true
	c, rig, _, _ := homedFeeder(t, testConfig(), simCfg)

	require.NoError(t, c.SelectTool(0))
	require.NoError(t, c.Load())
	rig.SetStuckInExtruder(true)

	err := c.ChangeTool(1, true)
	require.Error(t, err)
	assert.True(t, feederrors.Is(err, feederrors.ErrFilamentStuck))
	assert.Equal(t, StatePartialInExtruder, c.LoadState())
}

func TestRecoverFindsFilamentWithoutSensor(t *testing.T) {
	c, rig, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	require.NoError(t, c.SelectTool(0))
	rig.SetFilamentPos(0, 100)

	require.NoError(t, c.Recover(true))
	assert.Equal(t, StatePartialInExtruder, c.LoadState(),
		"without a sensor, found filament is assumed as deep as possible")
}

func TestRecoverFindsNothing(t *testing.T) {
	c, _, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	require.NoError(t, c.SelectTool(0))

	require.NoError(t, c.Recover(true))
	assert.Equal(t, StateUnloaded, c.LoadState())
}

func TestRecoverWithSensorTriggered(t *testing.T) {
	simCfg := motion.DefaultSimConfig()
	simCfg.HasToolheadSensor = true
	c, rig, _, _ := homedFeeder(t, testConfig(), simCfg)
	require.NoError(t, c.SelectTool(0))
	rig.SetFilamentPos(0, 520)

	require.NoError(t, c.Recover(true))
	assert.Equal(t, StateFull, c.LoadState())
}

func TestEndlessSpoolFailover(t *testing.T) {
	cfg := testConfig()
	cfg.EndlessSpool.Enabled = true
	cfg.EndlessSpool.Groups = []int{0, 1, 0, 1, 0}
	c, rig, host, _ := homedFeeder(t, cfg, motion.DefaultSimConfig())
	host.Printing = true

	require.NoError(t, c.SelectTool(2))
	require.NoError(t, c.Load())

	// The spool on gate 2 runs out mid-print
	rig.SetGateEmpty(2)
	require.NoError(t, c.HandleRunout(true))

	assert.Equal(t, 4, c.ToolToGateMap()[2], "tool 2 should fail over to gate 4 in the same group")
	assert.Equal(t, GateStatusEmpty, c.GateStatus()[2])
	assert.Equal(t, 2, c.Tool())
	assert.Equal(t, 4, c.Gate())
	assert.Equal(t, StateFull, c.LoadState())
	assert.InDelta(t, 572, rig.FilamentPos(4), 2.0)
	assert.True(t, rig.RunoutArmed())
	assert.Zero(t, host.pauses)
}

func TestEndlessSpoolNoSpares(t *testing.T) {
	cfg := testConfig()
	cfg.EndlessSpool.Enabled = true
	cfg.EndlessSpool.Groups = []int{0, 1, 0, 1, 0}
	c, rig, host, _ := homedFeeder(t, cfg, motion.DefaultSimConfig())
	host.Printing = true

	require.NoError(t, c.SelectTool(2))
	require.NoError(t, c.Load())
	require.NoError(t, c.UpdateGateStatus(0, GateStatusEmpty))
	require.NoError(t, c.UpdateGateStatus(4, GateStatusEmpty))

	rig.SetGateEmpty(2)
	err := c.HandleRunout(true)
	require.Error(t, err)
	assert.True(t, feederrors.Is(err, feederrors.ErrNoSpares))
	assert.True(t, c.IsLocked())
	assert.Equal(t, 1, host.pauses)

	require.NoError(t, c.Unlock())
	assert.False(t, c.IsLocked())
}

func TestClogDetectionPausesPrint(t *testing.T) {
	c, _, host, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	host.Printing = true

	require.NoError(t, c.SelectTool(0))
	require.NoError(t, c.Load())

	// Filament still present at the gate means the stall was a clog
	err := c.HandleRunout(false)
	require.Error(t, err)
	assert.True(t, feederrors.Is(err, feederrors.ErrClogDetected))
	assert.True(t, c.IsLocked())
	assert.Equal(t, 1, host.pauses)
}

func TestLockBlocksOperations(t *testing.T) {
	c, _, host, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	host.Printing = true
	require.NoError(t, c.SelectTool(0))
	require.NoError(t, c.Load())
	require.Error(t, c.HandleRunout(false))
	require.True(t, c.IsLocked())

	err := c.SelectTool(1)
	assert.True(t, feederrors.Is(err, feederrors.ErrLocked))

	require.NoError(t, c.Unlock())
	assert.True(t, feederrors.Is(c.Load(), feederrors.ErrRuntime),
		"load with filament already loaded is refused")
}

func TestSelectorPathBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.Selector.Sensorless = true
	c, rig, _, _ := homedFeeder(t, cfg, motion.DefaultSimConfig())
	rig.SetObstruction(30)

	err := c.SelectTool(3)
	require.Error(t, err)
	assert.True(t, feederrors.Is(err, feederrors.ErrSelectorPathBlocked))
}

func TestSelectorBlockedNearStart(t *testing.T) {
	cfg := testConfig()
	cfg.Selector.Sensorless = true
	c, rig, _, _ := homedFeeder(t, cfg, motion.DefaultSimConfig())
	rig.SetObstruction(1.0)

	err := c.SelectTool(1)
	require.Error(t, err)
	assert.True(t, feederrors.Is(err, feederrors.ErrSelectorBlocked))
}

func TestCheckGatesUpdatesAvailability(t *testing.T) {
	c, rig, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	rig.SetGateEmpty(1)
	rig.SetGateEmpty(3)

	require.NoError(t, c.CheckGates())
	status := c.GateStatus()
	assert.Equal(t, GateStatusAvailable, status[0])
	assert.Equal(t, GateStatusEmpty, status[1])
	assert.Equal(t, GateStatusAvailable, status[2])
	assert.Equal(t, GateStatusEmpty, status[3])
	assert.Equal(t, GateStatusAvailable, status[4])
	assert.Equal(t, StateUnloaded, c.LoadState())
}

func TestPreload(t *testing.T) {
	c, rig, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())

	require.NoError(t, c.Preload(2))
	assert.Equal(t, GateStatusAvailable, c.GateStatus()[2])
	assert.Less(t, rig.FilamentPos(2), 0.0)

	rig.SetGateEmpty(3)
	assert.Error(t, c.Preload(3))
}

func TestCalibrateBowden(t *testing.T) {
	c, _, _, store := homedFeeder(t, testConfig(), motion.DefaultSimConfig())

	require.NoError(t, c.CalibrateBowden(2))
	ref := store.Float(vars.VarCalibRef, 0)
	assert.InDelta(t, 500, ref, 5.0)
	assert.Equal(t, requiredCalibVersion, store.Int(vars.VarCalibVersion, 0))
	assert.GreaterOrEqual(t, store.Float(vars.VarCalibClogLength, 0), 5.0)
	assert.Equal(t, StateUnloaded, c.LoadState())
}

func TestCalibrateGateRatio(t *testing.T) {
	c, _, _, store := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	require.NoError(t, c.CalibrateBowden(1))

	require.NoError(t, c.CalibrateGateRatio(1, 100))
	ratio := store.Float(vars.GateVar(vars.VarCalibPrefix, 1), 0)
	assert.InDelta(t, 1.01, ratio, 0.02)
	assert.Equal(t, StateUnloaded, c.LoadState())
}

func TestStaleGateRatioDiscarded(t *testing.T) {
	store, err := vars.Open(filepath.Join(t.TempDir(), "vars.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Set(vars.VarCalibRef, 500.0))
	require.NoError(t, store.Set(vars.VarCalibVersion, requiredCalibVersion))
	require.NoError(t, store.Set(vars.GateVar(vars.VarCalibPrefix, 1), 1.5))

	rig := motion.NewRig(motion.DefaultSimConfig())
	rig.SetExtruderTemp(200, 200)
	c := New(testConfig(), rigPorts(rig), store, &NullHost{}, nil)

	require.NoError(t, c.Home(-1, false))
	require.NoError(t, c.SelectGate(1))
	assert.InDelta(t, 500, c.bowdenLength(), 0.001,
		"implausible stored ratio must be replaced by 1.0")
}

func TestHomeForceUnload(t *testing.T) {
	c, rig, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	require.NoError(t, c.SelectTool(0))
	require.NoError(t, c.Load())

	require.Error(t, c.Home(-1, false), "homing with loaded filament must be refused")
	require.NoError(t, c.Home(-1, true))
	assert.Equal(t, StateUnloaded, c.LoadState())
	assert.Less(t, rig.FilamentPos(0), 0.0)
}

func TestRecoverManualPatchesState(t *testing.T) {
	c, _, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())

	require.NoError(t, c.RecoverManual(3, 3, 1))
	assert.Equal(t, 3, c.Tool())
	assert.Equal(t, 3, c.Gate())
	assert.Equal(t, StateFull, c.LoadState())

	require.NoError(t, c.RecoverManual(-1, -1, 0))
	assert.Equal(t, StateUnloaded, c.LoadState())
}

func TestBypassLoadUnload(t *testing.T) {
	cfg := testConfig()
	cfg.Selector.BypassOffset = 110
	simCfg := motion.DefaultSimConfig()
	simCfg.BypassOffset = 110
	c, rig, _, _ := homedFeeder(t, cfg, simCfg)

	require.NoError(t, c.SelectBypass())
	assert.Equal(t, ToolBypass, c.Tool())

	// The operator hand-feeds filament through the bypass slot up to
	// the extruder entry before asking for the load
	rig.SetBypassLoaded(true)
	require.NoError(t, c.LoadBypass())
	assert.Equal(t, StateFull, c.LoadState())
	assert.InDelta(t, 572, rig.BypassPos(), 2.0)

	assert.Error(t, c.Load(), "gate load is refused while the bypass is selected")
	assert.Error(t, c.ChangeTool(1, false))

	require.NoError(t, c.UnloadBypass())
	assert.Equal(t, StateUnloaded, c.LoadState())
	assert.Less(t, rig.BypassPos(), 500.0, "filament should be clear of the extruder gears")
}

func TestGateInfoPersists(t *testing.T) {
	cfg := testConfig()
	cfg.Persistence.Level = 1
	c, rig, _, store := homedFeeder(t, cfg, motion.DefaultSimConfig())

	require.NoError(t, c.SetGateInfo(2, "PETG", "red"))
	material, color := c.GateInfo(2)
	assert.Equal(t, "PETG", material)
	assert.Equal(t, "red", color)

	c2 := New(cfg, rigPorts(rig), store, &NullHost{}, nil)
	material, color = c2.GateInfo(2)
	assert.Equal(t, "PETG", material)
	assert.Equal(t, "red", color)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Persistence.Level = 4
	c, rig, _, store := homedFeeder(t, cfg, motion.DefaultSimConfig())

	require.NoError(t, c.SelectTool(1))
	require.NoError(t, c.Load())
	require.NoError(t, c.RemapTool(3, 4))

	c2 := New(cfg, rigPorts(rig), store, &NullHost{}, nil)
	assert.True(t, c2.IsHomed())
	assert.Equal(t, 1, c2.Tool())
	assert.Equal(t, 1, c2.Gate())
	assert.Equal(t, StateFull, c2.LoadState())
	assert.Equal(t, 4, c2.ToolToGateMap()[3])
}

func TestOperationsRequireHoming(t *testing.T) {
	c, _, _, _ := newTestFeeder(t, testConfig(), motion.DefaultSimConfig())

	assert.True(t, feederrors.Is(c.SelectTool(0), feederrors.ErrNotHomed))
	assert.True(t, feederrors.Is(c.Load(), feederrors.ErrNotHomed))
}

func TestResetStats(t *testing.T) {
	c, _, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	require.NoError(t, c.SelectTool(0))
	require.NoError(t, c.Load())

	stats, _ := c.Stats()
	require.Equal(t, 1, stats[0].Loads)

	c.ResetStats()
	stats, swaps := c.Stats()
	assert.Zero(t, stats[0].Loads)
	assert.Zero(t, swaps.TotalSwaps)
}

func TestVisualState(t *testing.T) {
	assert.Contains(t, visualState(StateFull, 2), "T2")
	assert.Contains(t, visualState(StateFull, 2), "LOADED")
	assert.Contains(t, visualState(StateUnloaded, ToolBypass), "Bp")
	assert.Contains(t, visualState(StateUnknown, ToolUnknown), "T?")
}

func TestGetStatus(t *testing.T) {
	c, _, _, _ := homedFeeder(t, testConfig(), motion.DefaultSimConfig())
	require.NoError(t, c.SelectTool(0))

	status := c.GetStatus()
	assert.Equal(t, 0, status["tool"])
	assert.Equal(t, 0, status["gate"])
	assert.Equal(t, true, status["is_homed"])
	assert.Equal(t, false, status["calibrated"])
}
