// Configuration validation
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"strings"

	"ercf-go/pkg/errors"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateSelector(); err != nil {
		return err
	}
	if err := c.validateGear(); err != nil {
		return err
	}
	if err := c.validateBowden(); err != nil {
		return err
	}
	if err := c.validateExtruder(); err != nil {
		return err
	}
	if err := c.validateEndlessSpool(); err != nil {
		return err
	}
	if err := c.validatePersistence(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateSelector() error {
	if c.NumGates() == 0 {
		return errors.ConfigOptionError("selector.colorselector", "at least one gate offset is required")
	}
	for i := 1; i < len(c.Selector.Offsets); i++ {
		if c.Selector.Offsets[i] <= c.Selector.Offsets[i-1] {
			return errors.ConfigValidationError("selector.colorselector", "gate offsets must be strictly increasing")
		}
	}
	if c.Selector.HomingSpeed <= 0 || c.Selector.MoveSpeed <= 0 {
		return errors.ConfigValidationError("selector", "speeds must be positive")
	}
	return nil
}

func (c *Config) validateGear() error {
	if c.Gear.LongMovesSpeed <= 0 || c.Gear.ShortMovesSpeed <= 0 {
		return errors.ConfigValidationError("gear", "move speeds must be positive")
	}
	if c.Gear.LongMovesThreshold <= 0 {
		return errors.ConfigValidationError("gear.long_moves_threshold", "must be positive")
	}
	return nil
}

func (c *Config) validateBowden() error {
	if c.Bowden.NumMoves < 1 {
		return errors.ConfigValidationError("bowden.num_moves", "must be at least 1")
	}
	if c.Bowden.LoadTolerance <= 0 {
		return errors.ConfigValidationError("bowden.load_bowden_tolerance", "must be positive")
	}
	if c.Bowden.CalibrationLength < 0 {
		return errors.ConfigValidationError("bowden.calibration_bowden_length", "must not be negative")
	}
	return nil
}

func (c *Config) validateExtruder() error {
	if c.Extruder.HomingMethod != 0 && c.Extruder.HomingMethod != 1 {
		return errors.ConfigValidationError("extruder.homing_method", "must be 0 (collision) or 1 (stallguard)")
	}
	if c.Extruder.HomingStep <= 0 || c.Extruder.HomingMax <= 0 {
		return errors.ConfigValidationError("extruder", "homing step and max must be positive")
	}
	if c.Extruder.HomingCurrent < 10 || c.Extruder.HomingCurrent > 100 {
		return errors.ConfigValidationError("extruder.extruder_homing_current", "must be a percentage between 10 and 100")
	}
	if c.Extruder.ToolheadHomingStep <= 0 || c.Extruder.ToolheadHomingMax <= 0 {
		return errors.ConfigValidationError("extruder", "toolhead homing step and max must be positive")
	}
	if c.Extruder.HomePositionToNozzle <= 0 {
		return errors.ConfigOptionError("extruder.home_position_to_nozzle", "is required and must be positive")
	}
	return nil
}

func (c *Config) validateEndlessSpool() error {
	if !c.EndlessSpool.Enabled {
		return nil
	}
	if len(c.EndlessSpool.Groups) != c.NumGates() {
		return errors.ConfigValidationError("endless_spool.endless_spool_groups",
			"must have one group per gate")
	}
	return nil
}

func (c *Config) validatePersistence() error {
	if c.Persistence.Level < 0 || c.Persistence.Level > 4 {
		return errors.ConfigValidationError("persistence.persistence_level", "must be between 0 and 4")
	}
	if c.Persistence.StateDir == "" {
		return errors.ConfigOptionError("persistence.state_dir", "must be set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return errors.ConfigValidationError("logging.format", "must be 'text' or 'json'")
	}
	return nil
}
