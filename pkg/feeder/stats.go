// Per-gate and swap statistics
//
// Slippage is tracked per gate across loads and unloads; the combined
// slip percentage grades each gate so a worn or badly tensioned gate
// stands out before it starts failing.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import (
	"fmt"
	"strings"
	"time"

	"ercf-go/pkg/vars"
)

// GateStats accumulates transport quality counters for one gate.
type GateStats struct {
	Pauses         int
	Loads          int
	LoadDistance   float64
	LoadDelta      float64
	Unloads        int
	UnloadDistance float64
	UnloadDelta    float64
	ServoRetries   int
	LoadFailures   int
	UnloadFailures int
}

// SwapStats accumulates totals across all gates.
type SwapStats struct {
	TotalSwaps    int
	TimeLoading   float64 // seconds
	TimeUnloading float64 // seconds
	TotalPauses   int
	TimePaused    float64 // seconds
}

// slipPercent is the combined load and unload slip percentage used for
// grading.
func (g GateStats) slipPercent() float64 {
	var pct float64
	if g.LoadDistance > 0 {
		pct += g.LoadDelta / g.LoadDistance * 100
	}
	if g.UnloadDistance > 0 {
		pct += g.UnloadDelta / g.UnloadDistance * 100
	}
	return pct
}

// Grade maps the slip percentage to a human readable quality rating.
func (g GateStats) Grade() string {
	if g.Loads+g.Unloads == 0 {
		return "n/a"
	}
	switch pct := g.slipPercent(); {
	case pct < 2:
		return "Good"
	case pct < 4:
		return "Marginal"
	case pct < 6:
		return "Degraded"
	case pct < 10:
		return "Poor"
	default:
		return "Terrible"
	}
}

func (c *Controller) loadStats() {
	for i := range c.gateStats {
		m := c.store.FloatMap(vars.GateVar(vars.VarGateStatsPrefix, i))
		if len(m) == 0 {
			continue
		}
		c.gateStats[i] = GateStats{
			Pauses:         int(m["pauses"]),
			Loads:          int(m["loads"]),
			LoadDistance:   m["load_distance"],
			LoadDelta:      m["load_delta"],
			Unloads:        int(m["unloads"]),
			UnloadDistance: m["unload_distance"],
			UnloadDelta:    m["unload_delta"],
			ServoRetries:   int(m["servo_retries"]),
			LoadFailures:   int(m["load_failures"]),
			UnloadFailures: int(m["unload_failures"]),
		}
	}
	if m := c.store.FloatMap(vars.VarSwapStats); len(m) > 0 {
		c.swapStats = SwapStats{
			TotalSwaps:    int(m["total_swaps"]),
			TimeLoading:   m["time_spent_loading"],
			TimeUnloading: m["time_spent_unloading"],
			TotalPauses:   int(m["total_pauses"]),
			TimePaused:    m["time_spent_paused"],
		}
	}
}

func (c *Controller) persistGateStats(gate int) {
	g := c.gateStats[gate]
	m := map[string]float64{
		"pauses":          float64(g.Pauses),
		"loads":           float64(g.Loads),
		"load_distance":   g.LoadDistance,
		"load_delta":      g.LoadDelta,
		"unloads":         float64(g.Unloads),
		"unload_distance": g.UnloadDistance,
		"unload_delta":    g.UnloadDelta,
		"servo_retries":   float64(g.ServoRetries),
		"load_failures":   float64(g.LoadFailures),
		"unload_failures": float64(g.UnloadFailures),
	}
	if err := c.store.Set(vars.GateVar(vars.VarGateStatsPrefix, gate), m); err != nil {
		c.logger.WithError(err).Warn("failed to persist gate statistics")
	}
}

func (c *Controller) persistSwapStats() {
	m := map[string]float64{
		"total_swaps":          float64(c.swapStats.TotalSwaps),
		"time_spent_loading":   c.swapStats.TimeLoading,
		"time_spent_unloading": c.swapStats.TimeUnloading,
		"total_pauses":         float64(c.swapStats.TotalPauses),
		"time_spent_paused":    c.swapStats.TimePaused,
	}
	if err := c.store.Set(vars.VarSwapStats, m); err != nil {
		c.logger.WithError(err).Warn("failed to persist swap statistics")
	}
}

func (c *Controller) gateStatsFor() *GateStats {
	if c.gateSelected < 0 || c.gateSelected >= len(c.gateStats) {
		return nil
	}
	return &c.gateStats[c.gateSelected]
}

func (c *Controller) recordLoad(measured float64, elapsed time.Duration) {
	if g := c.gateStatsFor(); g != nil {
		g.Loads++
		c.persistGateStats(c.gateSelected)
	}
	c.swapStats.TimeLoading += elapsed.Seconds()
	c.persistSwapStats()
}

func (c *Controller) recordUnload(measured float64, elapsed time.Duration) {
	if g := c.gateStatsFor(); g != nil {
		g.Unloads++
		c.persistGateStats(c.gateSelected)
	}
	c.swapStats.TimeUnloading += elapsed.Seconds()
	c.persistSwapStats()
}

func (c *Controller) recordLoadSlip(distance, delta float64) {
	if g := c.gateStatsFor(); g != nil {
		g.LoadDistance += distance
		g.LoadDelta += delta
	}
}

func (c *Controller) recordUnloadSlip(distance, delta float64) {
	if g := c.gateStatsFor(); g != nil {
		g.UnloadDistance += distance
		g.UnloadDelta += delta
	}
}

func (c *Controller) recordServoRetry() {
	if g := c.gateStatsFor(); g != nil {
		g.ServoRetries++
		c.persistGateStats(c.gateSelected)
	}
}

func (c *Controller) recordLoadFailure() {
	if g := c.gateStatsFor(); g != nil {
		g.LoadFailures++
		c.persistGateStats(c.gateSelected)
	}
}

func (c *Controller) recordUnloadFailure() {
	if g := c.gateStatsFor(); g != nil {
		g.UnloadFailures++
		c.persistGateStats(c.gateSelected)
	}
}

func (c *Controller) recordSwap() {
	c.swapStats.TotalSwaps++
	c.persistSwapStats()
}

func (c *Controller) recordPauseStart() {
	c.swapStats.TotalPauses++
	if g := c.gateStatsFor(); g != nil {
		g.Pauses++
		c.persistGateStats(c.gateSelected)
	}
	c.persistSwapStats()
}

func (c *Controller) recordPauseEnd(elapsed time.Duration) {
	c.swapStats.TimePaused += elapsed.Seconds()
	c.persistSwapStats()
}

// Stats returns copies of the per-gate and swap statistics.
func (c *Controller) Stats() ([]GateStats, SwapStats) {
	out := make([]GateStats, len(c.gateStats))
	copy(out, c.gateStats)
	return out, c.swapStats
}

// StatsReport renders the statistics in a displayable form.
func (c *Controller) StatsReport() string {
	var b strings.Builder
	s := c.swapStats
	fmt.Fprintf(&b, "%d swaps completed\n", s.TotalSwaps)
	fmt.Fprintf(&b, "%s spent loading, %s unloading\n",
		formatSeconds(s.TimeLoading), formatSeconds(s.TimeUnloading))
	fmt.Fprintf(&b, "%d pauses (%s total)\n", s.TotalPauses, formatSeconds(s.TimePaused))
	b.WriteString("Gate statistics:\n")
	for i, g := range c.gateStats {
		fmt.Fprintf(&b, "#%d: %s", i, g.Grade())
		if g.Loads+g.Unloads > 0 {
			fmt.Fprintf(&b, " (slip %.1f%%, %d loads, %d unloads, %d retries, %d failures)",
				g.slipPercent(), g.Loads, g.Unloads, g.ServoRetries, g.LoadFailures+g.UnloadFailures)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ResetStats zeros and persists all statistics.
func (c *Controller) ResetStats() {
	for i := range c.gateStats {
		c.gateStats[i] = GateStats{}
		c.persistGateStats(i)
	}
	c.swapStats = SwapStats{}
	c.persistSwapStats()
}

func formatSeconds(s float64) string {
	d := time.Duration(s * float64(time.Second)).Round(time.Second)
	return d.String()
}
