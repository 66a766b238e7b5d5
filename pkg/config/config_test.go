// Configuration tests
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ercf-go/pkg/errors"
)

func validConfig() Config {
	cfg := Default()
	cfg.Selector.Offsets = []float64{3.2, 24.2, 45.2}
	cfg.Extruder.HomePositionToNozzle = 72.0
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.normalize())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.NumGates())
	assert.Equal(t, 100.0, cfg.Gear.LongMovesSpeed)
	assert.Equal(t, 70.0, cfg.Gear.LongMovesThreshold)
	assert.Equal(t, 2, cfg.Bowden.NumMoves)
	assert.Equal(t, 23.0, cfg.Encoder.ParkingDistance)
	assert.Equal(t, 2, cfg.Encoder.LoadRetries)
}

func TestUnloadToleranceFollowsLoad(t *testing.T) {
	cfg := validConfig()
	cfg.Bowden.LoadTolerance = 12.0
	require.NoError(t, cfg.normalize())
	assert.Equal(t, 12.0, cfg.Bowden.UnloadTolerance)

	cfg = validConfig()
	cfg.Bowden.UnloadTolerance = 6.0
	require.NoError(t, cfg.normalize())
	assert.Equal(t, 6.0, cfg.Bowden.UnloadTolerance)
}

func TestMetadataPadsToGateCount(t *testing.T) {
	cfg := validConfig()
	cfg.Gates.Materials = []string{"PLA"}
	require.NoError(t, cfg.normalize())
	assert.Len(t, cfg.Gates.Materials, 3)
	assert.Len(t, cfg.Gates.Colors, 3)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no gates", func(c *Config) { c.Selector.Offsets = nil }},
		{"offsets not increasing", func(c *Config) { c.Selector.Offsets = []float64{10, 5} }},
		{"bad homing method", func(c *Config) { c.Extruder.HomingMethod = 2 }},
		{"missing nozzle distance", func(c *Config) { c.Extruder.HomePositionToNozzle = 0 }},
		{"homing current too low", func(c *Config) { c.Extruder.HomingCurrent = 5 }},
		{"bad persistence level", func(c *Config) { c.Persistence.Level = 5 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero bowden moves", func(c *Config) { c.Bowden.NumMoves = 0 }},
		{
			"endless spool group mismatch",
			func(c *Config) {
				c.EndlessSpool.Enabled = true
				c.EndlessSpool.Groups = []int{0, 1}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsConfig(err), "expected config error, got %v", err)
		})
	}
}

func TestLoadSampleConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(Sample()), 0644))

	cfg, resolved, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, resolved)
	assert.Equal(t, 5, cfg.NumGates())
	assert.Equal(t, 72.0, cfg.Extruder.HomePositionToNozzle)
	assert.True(t, cfg.Clog.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nope.toml")

	// Defaults alone do not validate: no gates are configured
	_, _, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[gear]
long_moves_speed = 80.0

[selector]
colorselector = [5.0, 26.0]

[extruder]
home_position_to_nozzle = 60.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 80.0, cfg.Gear.LongMovesSpeed)
	assert.Equal(t, 25.0, cfg.Gear.ShortMovesSpeed)
	assert.Equal(t, 2, cfg.NumGates())
	assert.Equal(t, 60.0, cfg.Extruder.HomePositionToNozzle)
}
