// Simulated feeder rig
//
// A deterministic software model of the feeder hardware: gear stepper,
// selector, gate servo, encoder and toolhead sensor, with a simple
// filament transport model. Filament positions are tracked per gate as
// the distance of the filament tip past the gate; the encoder registers
// only movement that actually passes it.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"fmt"
	"math"
	"sync"
)

// gearDisengagePos is how far behind the gate the filament tip can be
// pulled before the drive gear loses it.
const gearDisengagePos = -50.0

// extruderGripWindow is how far before the extruder entry the extruder
// gears can still catch the filament tip. Residual bowden slip leaves
// the tip slightly short of the nominal entry position.
const extruderGripWindow = 10.0

// SimConfig configures the simulated rig geometry and behavior.
type SimConfig struct {
	// GateOffsets holds the selector position of each gate.
	GateOffsets []float64

	// BypassOffset is the selector position of the bypass slot (0 = none).
	BypassOffset float64

	// BowdenLength is the distance from the gate to the extruder entry.
	BowdenLength float64

	// SensorBeyondEntry is the distance from the extruder entry to the
	// toolhead sensor (ignored when HasToolheadSensor is false).
	SensorBeyondEntry float64

	// NozzleBeyondEntry is the distance from the extruder entry to the
	// nozzle.
	NozzleBeyondEntry float64

	// Slip is the fraction of commanded gear movement lost to gear
	// slippage on unsynced moves.
	Slip float64

	// SpringBack is the encoder movement registered when the servo
	// releases gripped filament.
	SpringBack float64

	// ServoDownAngle is the angle at which the servo grips filament.
	ServoDownAngle float64

	HasToolheadSensor bool

	// EncoderResolution is the distance per encoder count.
	EncoderResolution float64

	// ParkedOffset is how far behind the gate filament rests when
	// parked or freshly inserted.
	ParkedOffset float64
}

// DefaultSimConfig returns a rig matching the sample configuration.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		GateOffsets:       []float64{3.2, 24.2, 45.2, 66.2, 87.2},
		BowdenLength:      500,
		SensorBeyondEntry: 10,
		NozzleBeyondEntry: 72,
		Slip:              0.01,
		SpringBack:        0.5,
		ServoDownAngle:    30,
		HasToolheadSensor: false,
		EncoderResolution: 0.67,
		ParkedOffset:      23,
	}
}

// gateState is the per-gate filament model.
type gateState struct {
	present bool
	// pos is the filament tip position past the gate; negative values
	// are behind the gate (parked or absent).
	pos float64
}

// Rig is the simulated feeder. Its Gear, Extruder, Selector, Encoder,
// Servo, Sensor and Current fields implement the port contracts.
type Rig struct {
	mu  sync.Mutex
	cfg SimConfig

	gates       []gateState
	bypass      gateState
	servoAngle  float64
	synced      bool
	selectorPos float64
	selectorOn  bool

	encoderDist   float64
	encoderCounts int
	runoutArmed   bool

	extruderTemp   float64
	extruderTarget float64

	currentPct int

	// Fault injection
	obstructionAt   float64 // selector obstruction position (0 = none)
	stuckInExtruder bool
	clogAt          float64 // forward filament clamp past the gate (0 = none)

	Gear     *SimGear
	Extruder *SimExtruder
	Selector *SimSelector
	Encoder  *SimEncoder
	Servo    *SimServo
	Sensor   *SimSensor
	Current  *SimCurrent
}

// NewRig creates a simulated rig. All gates start with filament parked
// and available.
func NewRig(cfg SimConfig) *Rig {
	if cfg.EncoderResolution <= 0 {
		cfg.EncoderResolution = 0.67
	}
	r := &Rig{
		cfg:        cfg,
		gates:      make([]gateState, len(cfg.GateOffsets)),
		servoAngle: 180,
		currentPct: 100,
	}
	for i := range r.gates {
		r.gates[i] = gateState{present: true, pos: -cfg.ParkedOffset}
	}
	r.Gear = &SimGear{r}
	r.Extruder = &SimExtruder{r}
	r.Selector = &SimSelector{r}
	r.Encoder = &SimEncoder{r}
	r.Servo = &SimServo{r}
	r.Sensor = &SimSensor{r}
	r.Current = &SimCurrent{r}
	return r
}

// Test and demo helpers

// SetGateEmpty removes the filament from a gate.
func (r *Rig) SetGateEmpty(gate int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[gate].present = false
	r.gates[gate].pos = 0
}

// SetGateLoaded restores parked filament to a gate.
func (r *Rig) SetGateLoaded(gate int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[gate].present = true
	r.gates[gate].pos = -r.cfg.ParkedOffset
}

// SetBypassLoaded places a hand-fed filament at the extruder entry via
// the bypass slot (present=false removes it).
func (r *Rig) SetBypassLoaded(present bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bypass.present = present
	r.bypass.pos = r.cfg.BowdenLength
}

// BypassPos returns the bypass filament tip position past the gate row.
func (r *Rig) BypassPos() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bypass.pos
}

// FilamentPos returns the filament tip position past the given gate.
func (r *Rig) FilamentPos(gate int) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gates[gate].pos
}

// SetFilamentPos places the filament tip of a gate directly.
func (r *Rig) SetFilamentPos(gate int, pos float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[gate].present = true
	r.gates[gate].pos = pos
}

// SetObstruction places a selector obstruction (0 clears it).
func (r *Rig) SetObstruction(at float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obstructionAt = at
}

// SetStuckInExtruder wedges the filament inside the extruder so that
// reverse moves cannot free it.
func (r *Rig) SetStuckInExtruder(stuck bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stuckInExtruder = stuck
}

// SetClog blocks forward filament movement at the given distance past
// the gate (0 clears it).
func (r *Rig) SetClog(at float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clogAt = at
}

// SetSlip overrides the gear slip fraction.
func (r *Rig) SetSlip(slip float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Slip = slip
}

// SetExtruderTemp sets the simulated extruder temperatures.
func (r *Rig) SetExtruderTemp(current, target float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extruderTemp = current
	r.extruderTarget = target
}

// RunoutArmed reports whether encoder runout detection is armed.
func (r *Rig) RunoutArmed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runoutArmed
}

// SelectorEnabled reports whether the selector motor is energized.
func (r *Rig) SelectorEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectorOn
}

// engagedGate returns the gate whose offset the selector is at, or -1.
func (r *Rig) engagedGate() int {
	for i, off := range r.cfg.GateOffsets {
		if math.Abs(r.selectorPos-off) < 1.0 {
			return i
		}
	}
	return -1
}

// atBypass reports whether the selector is parked at the bypass slot.
func (r *Rig) atBypass() bool {
	return r.cfg.BypassOffset > 0 && math.Abs(r.selectorPos-r.cfg.BypassOffset) < 1.0
}

// registerMovement records filament movement on the encoder. Only the
// part of the move past the gate (pos > 0) is visible to it.
func (r *Rig) registerMovement(before, after float64) {
	lo := math.Min(before, after)
	hi := math.Max(before, after)
	seen := math.Max(hi, 0) - math.Max(lo, 0)
	if seen <= 0 {
		return
	}
	r.encoderDist += seen
	r.encoderCounts += int(math.Round(seen / r.cfg.EncoderResolution))
}

// forwardLimit returns how far past the gate filament can travel for
// the given drive mode.
func (r *Rig) forwardLimit(extruderAssist bool) float64 {
	limit := r.cfg.BowdenLength
	if extruderAssist {
		limit = r.cfg.BowdenLength + r.cfg.NozzleBeyondEntry
	}
	if r.clogAt > 0 && r.clogAt < limit {
		limit = r.clogAt
	}
	return limit
}

// moveGear advances the engaged gate's filament by a gear move.
func (r *Rig) moveGear(dist float64) float64 {
	gate := r.engagedGate()
	if gate < 0 {
		return 0
	}
	g := &r.gates[gate]
	gripped := r.servoAngle == r.cfg.ServoDownAngle
	if !g.present || !gripped || g.pos <= gearDisengagePos {
		return 0
	}

	before := g.pos
	actual := dist * (1 - r.cfg.Slip)
	if r.synced {
		actual = dist
	}
	after := before + actual

	if dist > 0 {
		limit := r.forwardLimit(r.synced)
		if r.stuckInExtruder && before > r.cfg.BowdenLength-extruderGripWindow {
			after = before
		} else if after > limit {
			after = math.Max(before, limit)
		}
	} else {
		if r.stuckInExtruder && before > r.cfg.BowdenLength-extruderGripWindow {
			after = before
		}
		if after < gearDisengagePos {
			after = gearDisengagePos
		}
	}

	g.pos = after
	r.registerMovement(before, after)
	return math.Abs(after - before)
}

// moveExtruder advances the engaged filament (gate or bypass) by an
// extruder move.
func (r *Rig) moveExtruder(dist float64) {
	var g *gateState
	if gate := r.engagedGate(); gate >= 0 {
		g = &r.gates[gate]
	} else if r.atBypass() {
		g = &r.bypass
	} else {
		return
	}
	// The extruder only grips filament that has reached its gears
	gripAt := r.cfg.BowdenLength - extruderGripWindow
	if !g.present || g.pos < gripAt {
		return
	}

	before := g.pos
	after := before + dist
	if dist > 0 {
		limit := r.forwardLimit(true)
		if after > limit {
			after = math.Max(before, limit)
		}
	} else {
		if r.stuckInExtruder {
			after = before
		} else if after < gripAt {
			// Pulled clear of the extruder gears
			after = gripAt
		}
	}

	g.pos = after
	r.registerMovement(before, after)
}

// SimGear implements GearPort.
type SimGear struct{ r *Rig }

func (g *SimGear) Move(dist, speed float64) error {
	g.r.mu.Lock()
	defer g.r.mu.Unlock()
	g.r.moveGear(dist)
	return nil
}

func (g *SimGear) HomingMove(dist, speed float64) (float64, bool, error) {
	g.r.mu.Lock()
	defer g.r.mu.Unlock()
	gate := g.r.engagedGate()
	if gate < 0 {
		return 0, false, fmt.Errorf("no gate engaged at selector position %.1f", g.r.selectorPos)
	}
	before := g.r.gates[gate].pos
	g.r.moveGear(dist)
	travel := g.r.gates[gate].pos - before
	triggered := g.r.gates[gate].pos >= g.r.cfg.BowdenLength-0.001
	return travel, triggered, nil
}

func (g *SimGear) SyncToExtruder(sync bool) error {
	g.r.mu.Lock()
	defer g.r.mu.Unlock()
	g.r.synced = sync
	return nil
}

// SimExtruder implements ExtruderPort.
type SimExtruder struct{ r *Rig }

func (e *SimExtruder) Move(dist, speed float64) error {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	if e.r.synced {
		// The gear path already models coupled motion
		e.r.moveGear(dist)
		return nil
	}
	e.r.moveExtruder(dist)
	return nil
}

func (e *SimExtruder) Temperature() (float64, float64) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	return e.r.extruderTemp, e.r.extruderTarget
}

// SimSelector implements SelectorPort.
type SimSelector struct{ r *Rig }

// clampAtObstruction limits travel from `from` toward `to`.
func (s *SimSelector) clampAtObstruction(from, to float64) float64 {
	obst := s.r.obstructionAt
	if obst <= 0 {
		return to
	}
	if from <= obst && to > obst {
		return obst
	}
	if from > obst && to < obst {
		return obst
	}
	return to
}

func (s *SimSelector) Move(pos, speed float64) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.selectorPos = s.clampAtObstruction(s.r.selectorPos, pos)
	return nil
}

func (s *SimSelector) HomingMove(pos, speed float64) (float64, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	before := s.r.selectorPos
	s.r.selectorPos = s.clampAtObstruction(before, pos)
	return s.r.selectorPos - before, nil
}

func (s *SimSelector) Home(maxTravel float64) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.obstructionAt > 0 && s.r.selectorPos > s.r.obstructionAt {
		s.r.selectorPos = s.r.obstructionAt
		return fmt.Errorf("selector stalled at %.1f before reaching home", s.r.selectorPos)
	}
	if s.r.selectorPos > maxTravel {
		return fmt.Errorf("home not reached within %.1fmm", maxTravel)
	}
	s.r.selectorPos = 0
	return nil
}

func (s *SimSelector) Position() float64 {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.r.selectorPos
}

func (s *SimSelector) SetPosition(pos float64) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.selectorPos = pos
}

func (s *SimSelector) Enable(on bool) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.selectorOn = on
	return nil
}

// SimEncoder implements EncoderPort.
type SimEncoder struct{ r *Rig }

func (e *SimEncoder) Distance() float64 {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	return e.r.encoderDist
}

func (e *SimEncoder) Counts() int {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	return e.r.encoderCounts
}

func (e *SimEncoder) Reset() {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.r.encoderDist = 0
	e.r.encoderCounts = 0
}

func (e *SimEncoder) SetDistance(dist float64) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.r.encoderDist = dist
	e.r.encoderCounts = int(math.Round(dist / e.r.cfg.EncoderResolution))
}

func (e *SimEncoder) SetRunoutEnabled(on bool) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.r.runoutArmed = on
}

// SimServo implements ServoPort.
type SimServo struct{ r *Rig }

func (s *SimServo) SetAngle(angle float64) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	wasDown := s.r.servoAngle == s.r.cfg.ServoDownAngle
	s.r.servoAngle = angle
	nowDown := angle == s.r.cfg.ServoDownAngle

	// Releasing gripped filament springs it through the encoder
	if wasDown && !nowDown {
		if gate := s.r.engagedGate(); gate >= 0 {
			g := s.r.gates[gate]
			if g.present && g.pos > 0 {
				s.r.encoderDist += s.r.cfg.SpringBack
			}
		}
	}
	return nil
}

// SimSensor implements SensorPort.
type SimSensor struct{ r *Rig }

func (s *SimSensor) Available() bool {
	return s.r.cfg.HasToolheadSensor
}

func (s *SimSensor) Triggered() (bool, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if !s.r.cfg.HasToolheadSensor {
		return false, fmt.Errorf("no toolhead sensor fitted")
	}
	var g gateState
	if gate := s.r.engagedGate(); gate >= 0 {
		g = s.r.gates[gate]
	} else if s.r.atBypass() {
		g = s.r.bypass
	} else {
		return false, nil
	}
	sensorAt := s.r.cfg.BowdenLength + s.r.cfg.SensorBeyondEntry
	return g.present && g.pos >= sensorAt, nil
}

// SimCurrent implements CurrentPort.
type SimCurrent struct{ r *Rig }

func (c *SimCurrent) Percent() int {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return c.r.currentPct
}

func (c *SimCurrent) SetPercent(pct int) error {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if pct < 1 || pct > 100 {
		return fmt.Errorf("current percent %d out of range", pct)
	}
	c.r.currentPct = pct
	return nil
}
