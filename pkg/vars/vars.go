// Persisted variable store for the filament feeder host
//
// Stores the calibration, state and statistics variables that must
// survive restarts. Values are JSON-encoded in a single sqlite table so
// they can hold scalars, arrays and maps alike.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package vars

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"ercf-go/pkg/errors"
	"ercf-go/pkg/log"
)

// Well-known variable names. Per-gate variables append the gate number.
const (
	VarEndlessSpoolGroups = "ercf_state_endless_spool_groups"
	VarToolToGateMap      = "ercf_state_tool_to_gate_map"
	VarGateStatus         = "ercf_state_gate_status"
	VarGateMaterial       = "ercf_state_gate_material"
	VarGateColor          = "ercf_state_gate_color"
	VarGateSelected       = "ercf_state_gate_selected"
	VarToolSelected       = "ercf_state_tool_selected"
	VarLoadedStatus       = "ercf_state_loaded_status"
	VarCalibRef           = "ercf_calib_ref"
	VarCalibClogLength    = "ercf_calib_clog_length"
	VarCalibVersion       = "ercf_calib_version"
	VarGateStatsPrefix    = "ercf_statistics_gate_"
	VarSwapStats          = "ercf_statistics_swaps"
	VarCalibPrefix        = "ercf_calib_"
)

const schema = `
CREATE TABLE IF NOT EXISTS variables (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is a sqlite-backed key/value store of persisted variables.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *log.Logger
}

// Open opens (creating if needed) the variable store at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.VarsStoreError("open", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.VarsStoreError("open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.VarsStoreError("init", err)
	}

	return &Store{
		db:     db,
		logger: log.GetLogger("vars"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GateVar returns the per-gate variable name for a prefix.
func GateVar(prefix string, gate int) string {
	return fmt.Sprintf("%s%d", prefix, gate)
}

// Set stores a variable, JSON-encoding the value.
func (s *Store) Set(name string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.VarsStoreError("encode", err).SetContext("name", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO variables (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, string(data))
	if err != nil {
		return errors.VarsStoreError("set", err).SetContext("name", name)
	}
	return nil
}

// Delete removes a variable. Deleting a missing variable is not an error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM variables WHERE name = ?`, name); err != nil {
		return errors.VarsStoreError("delete", err).SetContext("name", name)
	}
	return nil
}

// raw returns the stored JSON for a variable, or false if absent.
func (s *Store) raw(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM variables WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		s.logger.WithError(err).WithField("name", name).Warn("variable read failed")
		return "", false
	}
	return value, true
}

// Has reports whether a variable exists.
func (s *Store) Has(name string) bool {
	_, ok := s.raw(name)
	return ok
}

// Float returns a stored float, or the default if absent or unreadable.
func (s *Store) Float(name string, def float64) float64 {
	raw, ok := s.raw(name)
	if !ok {
		return def
	}
	var v float64
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		s.logger.WithField("name", name).Warn("stored variable is not a number, using default")
		return def
	}
	return v
}

// Int returns a stored int, or the default if absent or unreadable.
func (s *Store) Int(name string, def int) int {
	raw, ok := s.raw(name)
	if !ok {
		return def
	}
	var v int
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		// Tolerate a float representation of an integral value
		var f float64
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			s.logger.WithField("name", name).Warn("stored variable is not a number, using default")
			return def
		}
		return int(f)
	}
	return v
}

// IntSlice returns a stored integer array. When the array is missing,
// unreadable or its length does not match expectLen, the stored value is
// treated as stale and discarded.
func (s *Store) IntSlice(name string, expectLen int) ([]int, bool) {
	raw, ok := s.raw(name)
	if !ok {
		return nil, false
	}
	var v []int
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		s.logger.WithField("name", name).Warn("stored variable is not an integer array, discarding")
		return nil, false
	}
	if len(v) != expectLen {
		s.logger.WithFields(log.Fields{
			"name": name, "stored": len(v), "expected": expectLen,
		}).Warn("stored array length mismatch, resetting to defaults")
		return nil, false
	}
	return v, true
}

// StringSlice returns a stored string array with the same staleness
// rules as IntSlice.
func (s *Store) StringSlice(name string, expectLen int) ([]string, bool) {
	raw, ok := s.raw(name)
	if !ok {
		return nil, false
	}
	var v []string
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		s.logger.WithField("name", name).Warn("stored variable is not a string array, discarding")
		return nil, false
	}
	if len(v) != expectLen {
		s.logger.WithFields(log.Fields{
			"name": name, "stored": len(v), "expected": expectLen,
		}).Warn("stored array length mismatch, resetting to defaults")
		return nil, false
	}
	return v, true
}

// FloatMap returns a stored map of named floats, or an empty map.
func (s *Store) FloatMap(name string) map[string]float64 {
	raw, ok := s.raw(name)
	if !ok {
		return map[string]float64{}
	}
	var v map[string]float64
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		s.logger.WithField("name", name).Warn("stored variable is not a map, using empty")
		return map[string]float64{}
	}
	return v
}

// All returns every stored variable name.
func (s *Store) All() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT name FROM variables ORDER BY name`)
	if err != nil {
		return nil, errors.VarsStoreError("list", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.VarsStoreError("list", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
