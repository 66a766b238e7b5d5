// Filament feeder controller
//
// Owns the transport state machine for a multi-gate filament feeder:
// gate selection, load/unload sequencing, homing, state recovery,
// runout failover and calibration. All hardware access goes through
// the injected motion ports.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import (
	"math"
	"time"

	"ercf-go/pkg/config"
	"ercf-go/pkg/errors"
	"ercf-go/pkg/log"
	"ercf-go/pkg/motion"
	"ercf-go/pkg/vars"
)

const (
	// requiredCalibVersion gates use of persisted calibration data
	requiredCalibVersion = 3

	defaultCalibRef   = 500.0
	defaultClogLength = 8.0
	minClogLength     = 5.0

	// minPickupMovement is the least encoder movement that counts as a
	// successful gate pickup
	minPickupMovement = 6.0
)

// Ports bundles the hardware contracts the controller drives.
type Ports struct {
	Gear     motion.GearPort
	Extruder motion.ExtruderPort
	Selector motion.SelectorPort
	Encoder  motion.EncoderPort
	Servo    motion.ServoPort
	Sensor   motion.SensorPort
	Current  motion.CurrentPort
}

// Controller is the feeder state machine.
type Controller struct {
	cfg    *config.Config
	ports  Ports
	store  *vars.Store
	host   Host
	logger *log.Logger

	loadState    LoadState
	toolSelected int
	gateSelected int
	direction    Direction
	servoState   ServoState
	isHomed      bool
	isLocked     bool

	// Pause bookkeeping
	pausedStart      time.Time
	savedIdleTimeout int

	// Calibration
	calibRef     float64
	calibVersion int
	clogLength   float64
	gateRatios   []float64

	// Gate registry
	toolToGate    []int
	gateStatus    []int
	gateMaterial  []string
	gateColor     []string
	endlessGroups []int

	gateStats []GateStats
	swapStats SwapStats
}

// New creates a controller and restores persisted state according to
// the configured persistence level.
func New(cfg *config.Config, ports Ports, store *vars.Store, host Host, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.GetLogger("feeder")
	}
	if host == nil {
		host = &NullHost{}
	}

	n := cfg.NumGates()
	c := &Controller{
		cfg:          cfg,
		ports:        ports,
		store:        store,
		host:         host,
		logger:       logger,
		loadState:    StateUnknown,
		toolSelected: ToolUnknown,
		gateSelected: GateUnknown,
		servoState:   ServoUnknown,
		gateRatios:   make([]float64, n),
		toolToGate:   make([]int, n),
		gateStatus:   make([]int, n),
		gateMaterial: make([]string, n),
		gateColor:    make([]string, n),
		gateStats:    make([]GateStats, n),
	}
	for i := 0; i < n; i++ {
		c.gateRatios[i] = 1.0
		c.toolToGate[i] = i
		c.gateStatus[i] = GateStatusAvailable
	}
	copy(c.gateMaterial, cfg.Gates.Materials)
	copy(c.gateColor, cfg.Gates.Colors)
	c.endlessGroups = defaultEndlessGroups(cfg)
	c.restoreState()
	return c
}

func defaultEndlessGroups(cfg *config.Config) []int {
	n := cfg.NumGates()
	groups := make([]int, n)
	if len(cfg.EndlessSpool.Groups) == n {
		copy(groups, cfg.EndlessSpool.Groups)
		return groups
	}
	for i := range groups {
		groups[i] = i
	}
	return groups
}

// restoreState loads calibration, statistics and (depending on the
// persistence level) the selection and filament state from the store.
func (c *Controller) restoreState() {
	n := c.cfg.NumGates()

	c.calibRef = c.store.Float(vars.VarCalibRef, defaultCalibRef)
	c.calibVersion = c.store.Int(vars.VarCalibVersion, 1)
	c.clogLength = math.Max(c.store.Float(vars.VarCalibClogLength, defaultClogLength), minClogLength)
	for i := 0; i < n; i++ {
		ratio := c.store.Float(vars.GateVar(vars.VarCalibPrefix, i), 1.0)
		if ratio <= 0.8 || ratio >= 1.2 {
			c.logger.Warn("stored ratio %.6f for gate #%d is implausible, using 1.0", ratio, i)
			ratio = 1.0
		}
		c.gateRatios[i] = ratio
	}
	if c.calibVersion != requiredCalibVersion {
		c.logger.Warn("calibration data is version %d (need %d), please recalibrate",
			c.calibVersion, requiredCalibVersion)
	}

	c.loadStats()

	level := c.cfg.Persistence.Level
	if level >= 1 {
		if v, ok := c.store.IntSlice(vars.VarGateStatus, n); ok {
			copy(c.gateStatus, v)
		}
		if v, ok := c.store.StringSlice(vars.VarGateMaterial, n); ok {
			copy(c.gateMaterial, v)
		}
		if v, ok := c.store.StringSlice(vars.VarGateColor, n); ok {
			copy(c.gateColor, v)
		}
	}
	if level >= 2 {
		if v, ok := c.store.IntSlice(vars.VarToolToGateMap, n); ok {
			copy(c.toolToGate, v)
		}
		if v, ok := c.store.IntSlice(vars.VarEndlessSpoolGroups, n); ok {
			copy(c.endlessGroups, v)
		}
	}
	if level >= 3 {
		gate := c.store.Int(vars.VarGateSelected, GateUnknown)
		tool := c.store.Int(vars.VarToolSelected, ToolUnknown)
		switch {
		case gate >= 0 && gate < n:
			c.gateSelected = gate
			c.toolSelected = tool
			c.ports.Selector.SetPosition(c.cfg.Selector.Offsets[gate])
			c.isHomed = true
		case gate == GateBypass && c.cfg.Selector.BypassOffset > 0:
			c.gateSelected = GateBypass
			c.toolSelected = ToolBypass
			c.ports.Selector.SetPosition(c.cfg.Selector.BypassOffset)
			c.isHomed = true
		}
	}
	if level >= 4 && c.gateSelected != GateUnknown {
		s := LoadState(c.store.Int(vars.VarLoadedStatus, int(StateUnknown)))
		if s == StateFull || s == StateUnloaded {
			c.loadState = s
		}
	}
}

// setLoadState updates and (when meaningful) persists the filament
// position. Intermediate positions persist as unknown so a restart
// mid-sequence forces recovery.
func (c *Controller) setLoadState(s LoadState) {
	c.loadState = s
	if c.cfg.Logging.Visual {
		c.logger.Info("%s", visualState(s, c.toolSelected))
	}
	if c.cfg.Persistence.Level >= 4 {
		persisted := StateUnknown
		if s == StateFull || s == StateUnloaded {
			persisted = s
		}
		if err := c.store.Set(vars.VarLoadedStatus, int(persisted)); err != nil {
			c.logger.WithError(err).Warn("failed to persist filament position")
		}
	}
}

func (c *Controller) setDirection(d Direction) {
	c.direction = d
}

func (c *Controller) setGateStatus(gate, status int) {
	if gate < 0 || gate >= len(c.gateStatus) {
		return
	}
	c.gateStatus[gate] = status
	if c.cfg.Persistence.Level >= 1 {
		if err := c.store.Set(vars.VarGateStatus, c.gateStatus); err != nil {
			c.logger.WithError(err).Warn("failed to persist gate status")
		}
	}
}

func (c *Controller) persistGateInfo() {
	if c.cfg.Persistence.Level >= 1 {
		if err := c.store.Set(vars.VarGateMaterial, c.gateMaterial); err != nil {
			c.logger.WithError(err).Warn("failed to persist gate materials")
		}
		if err := c.store.Set(vars.VarGateColor, c.gateColor); err != nil {
			c.logger.WithError(err).Warn("failed to persist gate colors")
		}
	}
}

func (c *Controller) persistToolGateMap() {
	if c.cfg.Persistence.Level >= 2 {
		if err := c.store.Set(vars.VarToolToGateMap, c.toolToGate); err != nil {
			c.logger.WithError(err).Warn("failed to persist tool map")
		}
	}
}

func (c *Controller) persistEndlessGroups() {
	if c.cfg.Persistence.Level >= 2 {
		if err := c.store.Set(vars.VarEndlessSpoolGroups, c.endlessGroups); err != nil {
			c.logger.WithError(err).Warn("failed to persist EndlessSpool groups")
		}
	}
}

func (c *Controller) persistSelection() {
	if c.cfg.Persistence.Level >= 3 {
		c.store.Set(vars.VarToolSelected, c.toolSelected)
		c.store.Set(vars.VarGateSelected, c.gateSelected)
	}
}

// Accessors

func (c *Controller) LoadState() LoadState { return c.loadState }
func (c *Controller) Tool() int            { return c.toolSelected }
func (c *Controller) Gate() int            { return c.gateSelected }
func (c *Controller) IsHomed() bool        { return c.isHomed }
func (c *Controller) IsLocked() bool       { return c.isLocked }

// GateStatus returns a copy of the per-gate availability.
func (c *Controller) GateStatus() []int {
	out := make([]int, len(c.gateStatus))
	copy(out, c.gateStatus)
	return out
}

// ToolToGateMap returns a copy of the tool to gate mapping.
func (c *Controller) ToolToGateMap() []int {
	out := make([]int, len(c.toolToGate))
	copy(out, c.toolToGate)
	return out
}

// GateInfo returns the material and color recorded for a gate.
func (c *Controller) GateInfo(gate int) (material, color string) {
	if gate < 0 || gate >= len(c.gateMaterial) {
		return "", ""
	}
	return c.gateMaterial[gate], c.gateColor[gate]
}

// EndlessSpoolGroups returns a copy of the per-gate group assignment.
func (c *Controller) EndlessSpoolGroups() []int {
	out := make([]int, len(c.endlessGroups))
	copy(out, c.endlessGroups)
	return out
}

// GetStatus returns the controller status in a displayable form.
func (c *Controller) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"tool":           c.toolSelected,
		"gate":           c.gateSelected,
		"is_homed":       c.isHomed,
		"is_locked":      c.isLocked,
		"filament":       c.loadState.String(),
		"filament_pos":   visualState(c.loadState, c.toolSelected),
		"tool_to_gate":   c.ToolToGateMap(),
		"gate_status":    c.GateStatus(),
		"gate_material":  append([]string(nil), c.gateMaterial...),
		"gate_color":     append([]string(nil), c.gateColor...),
		"endless_groups": c.EndlessSpoolGroups(),
		"clog_detection": c.cfg.Clog.Enabled,
		"endless_spool":  c.cfg.EndlessSpool.Enabled,
		"calibrated":     c.calibVersion == requiredCalibVersion,
	}
}

// checkNotLocked guards mutating operations while paused.
func (c *Controller) checkNotLocked() error {
	if c.isLocked {
		return errors.LockedError()
	}
	return nil
}

// checkHomed guards operations that need a homed selector.
func (c *Controller) checkHomed() error {
	if !c.isHomed {
		return errors.NotHomedError()
	}
	return nil
}

// checkInBypass guards gate operations that make no sense in bypass.
func (c *Controller) checkInBypass() error {
	if c.gateSelected == GateBypass {
		return errors.RuntimeError("operation not possible when bypass is selected")
	}
	return nil
}

// checkExtruderTemp guards extruder moves against a cold extruder.
func (c *Controller) checkExtruderTemp() error {
	current, _ := c.ports.Extruder.Temperature()
	if current < c.cfg.Extruder.MinTemp {
		return errors.ColdExtruderError(current, c.cfg.Extruder.MinTemp)
	}
	return nil
}
