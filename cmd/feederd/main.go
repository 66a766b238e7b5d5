// feederd is the operator front end for the multi-gate filament
// feeder. It drives the feeder controller against the simulated rig,
// persisting state between invocations so commands compose the way
// printer macros would.
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"ercf-go/pkg/config"
	"ercf-go/pkg/feeder"
	"ercf-go/pkg/log"
	"ercf-go/pkg/motion"
	"ercf-go/pkg/vars"
)

var (
	flagConfig   string
	flagLogLevel string
)

// app bundles everything a command needs: configuration, the state
// store, the instance lock and the controller on top of the rig.
type app struct {
	cfg    *config.Config
	store  *vars.Store
	lock   *flock.Flock
	rig    *motion.Rig
	ctrl   *feeder.Controller
	logger *log.Logger
}

func newApp() (*app, error) {
	cfg, path, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	logger := log.GetLogger("feederd")
	level := cfg.Logging.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	logger.SetLevel(log.ParseLevel(level))
	if cfg.Logging.Format == "json" {
		logger.SetFormat(log.FormatJSON)
	}
	if cfg.Logging.File != "" {
		fileLogger, _, err := log.NewConsoleAndFileLogger("feederd", log.RotationConfig{
			Filename: cfg.Logging.File,
		})
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		fileLogger.SetLevel(log.ParseLevel(level))
		logger = fileLogger
	}
	logger.Debug("using configuration from %s", path)

	stateDir := cfg.Persistence.StateDir
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	lock := flock.New(filepath.Join(stateDir, "feederd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another feederd instance is already running")
	}

	store, err := vars.Open(filepath.Join(stateDir, "vars.db"))
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	rig := motion.NewRig(simConfig(cfg))
	rig.SetExtruderTemp(200, 200)
	ctrl := feeder.New(cfg, feeder.Ports{
		Gear:     rig.Gear,
		Extruder: rig.Extruder,
		Selector: rig.Selector,
		Encoder:  rig.Encoder,
		Servo:    rig.Servo,
		Sensor:   rig.Sensor,
		Current:  rig.Current,
	}, store, &feeder.NullHost{}, logger)

	return &app{cfg: cfg, store: store, lock: lock, rig: rig, ctrl: ctrl, logger: logger}, nil
}

func (a *app) close() {
	a.store.Close()
	a.lock.Unlock()
}

// simConfig derives the rig geometry from the feeder configuration.
func simConfig(cfg *config.Config) motion.SimConfig {
	sim := motion.DefaultSimConfig()
	sim.GateOffsets = cfg.Selector.Offsets
	sim.BypassOffset = cfg.Selector.BypassOffset
	if cfg.Bowden.CalibrationLength > 0 {
		sim.BowdenLength = cfg.Bowden.CalibrationLength
	}
	if cfg.Extruder.HomePositionToNozzle > 0 {
		sim.NozzleBeyondEntry = cfg.Extruder.HomePositionToNozzle
	}
	sim.ParkedOffset = cfg.Encoder.ParkingDistance
	return sim
}

// run wraps a command body with app setup and teardown.
func run(fn func(a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		return fn(a, args)
	}
}

func argInt(args []string, i int) (int, error) {
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("argument %q is not a number", args[i])
	}
	return v, nil
}

func main() {
	root := &cobra.Command{
		Use:           "feederd",
		Short:         "Multi-gate filament feeder control",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "configuration file path")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		homeCmd(),
		selectToolCmd(),
		selectGateCmd(),
		selectBypassCmd(),
		changeToolCmd(),
		loadCmd(),
		unloadCmd(),
		loadBypassCmd(),
		unloadBypassCmd(),
		recoverCmd(),
		unlockCmd(),
		servoCmd(),
		checkGatesCmd(),
		preloadCmd(),
		remapCmd(),
		resetMapCmd(),
		gateStatusCmd(),
		gateInfoCmd(),
		endlessGroupsCmd(),
		calibrateCmd(),
		statusCmd(),
		statsCmd(),
		configCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func homeCmd() *cobra.Command {
	var forceUnload bool
	cmd := &cobra.Command{
		Use:   "home [tool]",
		Short: "Home the selector, optionally selecting a tool afterwards",
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(a *app, args []string) error {
			tool := -1
			if len(args) == 1 {
				var err error
				if tool, err = argInt(args, 0); err != nil {
					return err
				}
			}
			return a.ctrl.Home(tool, forceUnload)
		}),
	}
	cmd.Flags().BoolVar(&forceUnload, "force-unload", false, "unload loaded filament before homing")
	return cmd
}

func selectToolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select-tool <tool>",
		Short: "Position the selector at the gate mapped to a tool",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(a *app, args []string) error {
			tool, err := argInt(args, 0)
			if err != nil {
				return err
			}
			return a.ctrl.SelectTool(tool)
		}),
	}
}

func selectGateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select-gate <gate>",
		Short: "Position the selector at a gate directly",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(a *app, args []string) error {
			gate, err := argInt(args, 0)
			if err != nil {
				return err
			}
			return a.ctrl.SelectGate(gate)
		}),
	}
}

func selectBypassCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select-bypass",
		Short: "Position the selector at the bypass slot",
		Args:  cobra.NoArgs,
		RunE: run(func(a *app, args []string) error {
			return a.ctrl.SelectBypass()
		}),
	}
}

func changeToolCmd() *cobra.Command {
	var skipTip bool
	cmd := &cobra.Command{
		Use:   "change-tool <tool>",
		Short: "Unload the current filament and load the requested tool",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(a *app, args []string) error {
			tool, err := argInt(args, 0)
			if err != nil {
				return err
			}
			return a.ctrl.ChangeTool(tool, skipTip)
		}),
	}
	cmd.Flags().BoolVar(&skipTip, "skip-tip", false, "the slicer already formed the filament tip")
	return cmd
}

func loadCmd() *cobra.Command {
	var extruderOnly bool
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load filament from the selected gate to the nozzle",
		Args:  cobra.NoArgs,
		RunE: run(func(a *app, args []string) error {
			if extruderOnly {
				return a.ctrl.LoadExtruderOnly()
			}
			return a.ctrl.Load()
		}),
	}
	cmd.Flags().BoolVar(&extruderOnly, "extruder-only", false, "finish loading from the extruder entry only")
	return cmd
}

func unloadCmd() *cobra.Command {
	var extruderOnly bool
	cmd := &cobra.Command{
		Use:     "unload",
		Aliases: []string{"eject"},
		Short:   "Unload filament back to the parked position",
		Args:    cobra.NoArgs,
		RunE: run(func(a *app, args []string) error {
			if extruderOnly {
				return a.ctrl.UnloadExtruderOnly()
			}
			return a.ctrl.Unload()
		}),
	}
	cmd.Flags().BoolVar(&extruderOnly, "extruder-only", false, "extract from the extruder only")
	return cmd
}

func loadBypassCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load-bypass",
		Short: "Load hand-fed bypass filament into the extruder",
		Args:  cobra.NoArgs,
		RunE: run(func(a *app, args []string) error {
			return a.ctrl.LoadBypass()
		}),
	}
}

func unloadBypassCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload-bypass",
		Short: "Extract bypass filament from the extruder",
		Args:  cobra.NoArgs,
		RunE: run(func(a *app, args []string) error {
			return a.ctrl.UnloadBypass()
		}),
	}
}

func recoverCmd() *cobra.Command {
	var force bool
	var tool, gate, loaded int
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-establish the filament position after a fault or restart",
		Args:  cobra.NoArgs,
		RunE: run(func(a *app, args []string) error {
			if tool >= 0 || gate >= 0 || loaded >= 0 {
				return a.ctrl.RecoverManual(tool, gate, loaded)
			}
			return a.ctrl.Recover(force)
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "discard the current position even when it looks valid")
	cmd.Flags().IntVar(&tool, "tool", -1, "record the tool the operator selected by hand")
	cmd.Flags().IntVar(&gate, "gate", -1, "record the gate the operator selected by hand")
	cmd.Flags().IntVar(&loaded, "loaded", -1, "record the filament position: 0=unloaded, 1=loaded")
	return cmd
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Release the lock after fixing a fault",
		Args:  cobra.NoArgs,
		RunE: run(func(a *app, args []string) error {
			return a.ctrl.Unlock()
		}),
	}
}

func servoCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "servo <up|down>",
		Short:     "Operate the gate clamp servo",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: run(func(a *app, args []string) error {
			switch args[0] {
			case "up":
				return a.ctrl.ServoUp()
			case "down":
				return a.ctrl.ServoDown()
			}
			return fmt.Errorf("servo position must be up or down")
		}),
	}
}

func checkGatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-gates [gate...]",
		Short: "Probe gates for filament and update the availability map",
		RunE: run(func(a *app, args []string) error {
			gates := make([]int, 0, len(args))
			for i := range args {
				gate, err := argInt(args, i)
				if err != nil {
					return err
				}
				gates = append(gates, gate)
			}
			if err := a.ctrl.CheckGates(gates...); err != nil {
				return err
			}
			printGateMap(a.ctrl)
			return nil
		}),
	}
}

func preloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preload <gate>",
		Short: "Feed freshly inserted filament to the parked position",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(a *app, args []string) error {
			gate, err := argInt(args, 0)
			if err != nil {
				return err
			}
			return a.ctrl.Preload(gate)
		}),
	}
}

func remapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remap <tool> <gate>",
		Short: "Map a tool to a different gate",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(a *app, args []string) error {
			tool, err := argInt(args, 0)
			if err != nil {
				return err
			}
			gate, err := argInt(args, 1)
			if err != nil {
				return err
			}
			return a.ctrl.RemapTool(tool, gate)
		}),
	}
}

func resetMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-map",
		Short: "Restore the identity tool map and mark all gates available",
		Args:  cobra.NoArgs,
		RunE: run(func(a *app, args []string) error {
			a.ctrl.ResetToolMapping()
			printGateMap(a.ctrl)
			return nil
		}),
	}
}

func gateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gate-status <gate> <available|empty|unknown>",
		Short: "Record gate availability manually",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(a *app, args []string) error {
			gate, err := argInt(args, 0)
			if err != nil {
				return err
			}
			var status int
			switch args[1] {
			case "available":
				status = feeder.GateStatusAvailable
			case "empty":
				status = feeder.GateStatusEmpty
			case "unknown":
				status = feeder.GateStatusUnknown
			default:
				return fmt.Errorf("status must be available, empty or unknown")
			}
			return a.ctrl.UpdateGateStatus(gate, status)
		}),
	}
}

func gateInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gate-info <gate> <material> [color]",
		Short: "Record the filament material and color at a gate",
		Args:  cobra.RangeArgs(2, 3),
		RunE: run(func(a *app, args []string) error {
			gate, err := argInt(args, 0)
			if err != nil {
				return err
			}
			color := ""
			if len(args) == 3 {
				color = args[2]
			}
			return a.ctrl.SetGateInfo(gate, args[1], color)
		}),
	}
}

func endlessGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "endless-groups <group>...",
		Short: "Assign the EndlessSpool failover group of every gate",
		Args:  cobra.MinimumNArgs(1),
		RunE: run(func(a *app, args []string) error {
			groups := make([]int, 0, len(args))
			for i := range args {
				g, err := argInt(args, i)
				if err != nil {
					return err
				}
				groups = append(groups, g)
			}
			return a.ctrl.SetEndlessSpoolGroups(groups)
		}),
	}
}

func calibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Calibration routines",
	}

	var repeats int
	bowden := &cobra.Command{
		Use:   "bowden",
		Short: "Measure the bowden reference length on gate 0",
		Args:  cobra.NoArgs,
		RunE: run(func(a *app, args []string) error {
			return a.ctrl.CalibrateBowden(repeats)
		}),
	}
	bowden.Flags().IntVar(&repeats, "repeats", 3, "number of measurement passes")

	var length float64
	ratio := &cobra.Command{
		Use:   "ratio <gate>",
		Short: "Measure a gate's drive ratio against the reference",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(a *app, args []string) error {
			gate, err := argInt(args, 0)
			if err != nil {
				return err
			}
			return a.ctrl.CalibrateGateRatio(gate, length)
		}),
	}
	ratio.Flags().Float64Var(&length, "length", 100, "round trip test length in mm")

	selector := &cobra.Command{
		Use:   "selector <gate>",
		Short: "Measure a gate's selector offset from the endstop",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(a *app, args []string) error {
			gate, err := argInt(args, 0)
			if err != nil {
				return err
			}
			offset, err := a.ctrl.CalibrateSelector(gate)
			if err != nil {
				return err
			}
			fmt.Printf("gate #%d selector offset: %.1fmm\n", gate, offset)
			return nil
		}),
	}

	cmd.AddCommand(bowden, ratio, selector)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the feeder state",
		Args:  cobra.NoArgs,
		RunE: run(func(a *app, args []string) error {
			status := a.ctrl.GetStatus()
			fmt.Println(status["filament_pos"])
			keys := make([]string, 0, len(status))
			for k := range status {
				if k == "filament_pos" {
					continue
				}
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-15s %v\n", k, status[k])
			}
			return nil
		}),
	}
}

func statsCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-gate and swap statistics",
		Args:  cobra.NoArgs,
		RunE: run(func(a *app, args []string) error {
			if reset {
				a.ctrl.ResetStats()
			}
			fmt.Print(a.ctrl.StatsReport())
			return nil
		}),
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "zero all statistics first")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print an annotated sample configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.Sample())
			return nil
		},
	})
	return cmd
}

func printGateMap(c *feeder.Controller) {
	status := c.GateStatus()
	ttg := c.ToolToGateMap()
	groups := c.EndlessSpoolGroups()
	for gate, s := range status {
		state := "?"
		switch s {
		case feeder.GateStatusAvailable:
			state = "available"
		case feeder.GateStatusEmpty:
			state = "empty"
		}
		tools := ""
		for tool, g := range ttg {
			if g == gate {
				if tools != "" {
					tools += ","
				}
				tools += fmt.Sprintf("T%d", tool)
			}
		}
		info := ""
		if material, color := c.GateInfo(gate); material != "" {
			info = " " + material
			if color != "" {
				info += "/" + color
			}
		}
		fmt.Printf("gate #%d: %-9s group %d  %s%s\n", gate, state, groups[gate], tools, info)
	}
}
