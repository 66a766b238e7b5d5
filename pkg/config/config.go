// Configuration for the filament feeder host
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Gear contains gear stepper move speeds and bowden transit settings.
type Gear struct {
	LongMovesSpeed     float64 `toml:"long_moves_speed"`
	LongMovesThreshold float64 `toml:"long_moves_threshold"`
	ShortMovesSpeed    float64 `toml:"short_moves_speed"`
	ShortMoveThreshold float64 `toml:"short_move_threshold"`
}

// Bowden contains settings for the fast transit through the bowden tube.
type Bowden struct {
	// NumMoves splits the fast bowden move to reduce the chance of a
	// single long move overrunning the MCU move queue.
	NumMoves          int     `toml:"num_moves"`
	ApplyCorrection   bool    `toml:"apply_bowden_correction"`
	LoadTolerance     float64 `toml:"load_bowden_tolerance"`
	UnloadTolerance   float64 `toml:"unload_bowden_tolerance"`
	CalibrationLength float64 `toml:"calibration_bowden_length"`
}

// Extruder contains the extruder homing and nozzle transition settings.
type Extruder struct {
	// HomingMethod selects collision detection (0) or stallguard (1)
	HomingMethod         int     `toml:"homing_method"`
	HomingMax            float64 `toml:"extruder_homing_max"`
	HomingStep           float64 `toml:"extruder_homing_step"`
	HomingCurrent        int     `toml:"extruder_homing_current"`
	ToolheadHomingMax    float64 `toml:"toolhead_homing_max"`
	ToolheadHomingStep   float64 `toml:"toolhead_homing_step"`
	SyncLoadLength       float64 `toml:"sync_load_length"`
	SyncUnloadLength     float64 `toml:"sync_unload_length"`
	DelayServoRelease    float64 `toml:"delay_servo_release"`
	HomePositionToNozzle float64 `toml:"home_position_to_nozzle"`
	IgnoreLoadError      bool    `toml:"ignore_extruder_load_error"`
	NozzleLoadSpeed      float64 `toml:"nozzle_load_speed"`
	NozzleUnloadSpeed    float64 `toml:"nozzle_unload_speed"`
	UnloadBuffer         float64 `toml:"unload_buffer"`
	MinTemp              float64 `toml:"min_temp_extruder"`
}

// Encoder contains settings for encoder-paced moves near the gate.
type Encoder struct {
	ParkingDistance float64 `toml:"parking_distance"`
	MoveStepSize    float64 `toml:"encoder_move_step_size"`
	LoadRetries     int     `toml:"load_encoder_retries"`
}

// Servo contains the gate servo angles.
type Servo struct {
	DownAngle float64 `toml:"servo_down_angle"`
	UpAngle   float64 `toml:"servo_up_angle"`
}

// Selector contains the selector rail geometry.
type Selector struct {
	// Offsets holds the selector position of each gate. The number of
	// gates is the length of this list.
	Offsets      []float64 `toml:"colorselector"`
	BypassOffset float64   `toml:"bypass_selector"`
	Sensorless   bool      `toml:"sensorless_selector"`
	HomingSpeed  float64   `toml:"selector_homing_speed"`
	MoveSpeed    float64   `toml:"selector_move_speed"`
}

// Gates contains optional per-gate filament metadata.
type Gates struct {
	Materials []string `toml:"gate_material"`
	Colors    []string `toml:"gate_color"`
}

// EndlessSpool contains the runout failover settings.
type EndlessSpool struct {
	Enabled bool  `toml:"enable_endless_spool"`
	Groups  []int `toml:"endless_spool_groups"`
}

// Clog contains the runout/clog discrimination settings.
type Clog struct {
	Enabled bool `toml:"enable_clog_detection"`
}

// Pause contains the pause protocol timers, in seconds.
type Pause struct {
	TimeoutPause  int     `toml:"timeout_pause"`
	DisableHeater int     `toml:"disable_heater"`
	ZHopHeight    float64 `toml:"z_hop_height"`
	ZHopSpeed     float64 `toml:"z_hop_speed"`
}

// Persistence contains the startup state restoration settings.
type Persistence struct {
	// Level selects how much state is restored at startup:
	//   0 - stats only
	//   1 - + gate status
	//   2 - + tool-to-gate map and EndlessSpool groups
	//   3 - + selected tool/gate
	//   4 - + filament position
	Level    int    `toml:"persistence_level"`
	StateDir string `toml:"state_dir"`
}

// Logging contains log output settings.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
	Visual bool   `toml:"log_visual"`
}

// Config encapsulates all configuration for the feeder host.
type Config struct {
	Gear         Gear         `toml:"gear"`
	Bowden       Bowden       `toml:"bowden"`
	Extruder     Extruder     `toml:"extruder"`
	Encoder      Encoder      `toml:"encoder"`
	Servo        Servo        `toml:"servo"`
	Selector     Selector     `toml:"selector"`
	Gates        Gates        `toml:"gates"`
	EndlessSpool EndlessSpool `toml:"endless_spool"`
	Clog         Clog         `toml:"clog"`
	Pause        Pause        `toml:"pause"`
	Persistence  Persistence  `toml:"persistence"`
	Logging      Logging      `toml:"logging"`
}

// NumGates returns the number of configured gates.
func (c *Config) NumGates() int {
	return len(c.Selector.Offsets)
}

// Sample returns the annotated sample configuration file contents.
func Sample() string {
	return sampleConfig
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/feederd/config.toml")
}

// Load locates, parses and validates a configuration file. A missing
// file yields the defaults. The returned path is the resolved location.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return &cfg, resolvedPath, nil
}

// resolveConfigPath expands the requested path, falling back to the
// default location when none is given.
func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", false, err
		}
		path = defaultPath
	}

	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}

	if _, err := os.Stat(expanded); err != nil {
		if os.IsNotExist(err) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	return expanded, true, nil
}

// expandPath resolves a leading ~ to the user home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}

// normalize expands path fields and fills derived defaults.
func (c *Config) normalize() error {
	var err error
	if c.Persistence.StateDir, err = expandPath(c.Persistence.StateDir); err != nil {
		return err
	}
	if c.Logging.File != "" {
		if c.Logging.File, err = expandPath(c.Logging.File); err != nil {
			return err
		}
	}

	// Unload tolerance follows load tolerance unless set explicitly
	if c.Bowden.UnloadTolerance <= 0 {
		c.Bowden.UnloadTolerance = c.Bowden.LoadTolerance
	}

	// Metadata lists pad out to the gate count
	for len(c.Gates.Materials) < c.NumGates() {
		c.Gates.Materials = append(c.Gates.Materials, "")
	}
	for len(c.Gates.Colors) < c.NumGates() {
		c.Gates.Colors = append(c.Gates.Colors, "")
	}
	return nil
}
