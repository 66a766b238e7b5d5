// Configuration defaults
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

const (
	defaultLongMovesSpeed      = 100.0
	defaultLongMovesThreshold  = 70.0
	defaultShortMovesSpeed     = 25.0
	defaultShortMoveThreshold  = 60.0
	defaultNumMoves            = 2
	defaultLoadBowdenTolerance = 8.0
	defaultHomingMax           = 50.0
	defaultHomingStep          = 2.0
	defaultHomingCurrent       = 50
	defaultToolheadHomingMax   = 20.0
	defaultToolheadHomingStep  = 1.0
	defaultDelayServoRelease   = 2.0
	defaultNozzleLoadSpeed     = 15.0
	defaultNozzleUnloadSpeed   = 20.0
	defaultUnloadBuffer        = 30.0
	defaultMinTempExtruder     = 180.0
	defaultParkingDistance     = 23.0
	defaultMoveStepSize        = 15.0
	defaultLoadRetries         = 2
	defaultServoDownAngle      = 30.0
	defaultServoUpAngle        = 180.0
	defaultSelectorHomingSpeed = 100.0
	defaultSelectorMoveSpeed   = 200.0
	defaultTimeoutPause        = 72000
	defaultDisableHeater       = 600
	defaultZHopHeight          = 5.0
	defaultZHopSpeed           = 15.0
	defaultPersistenceLevel    = 0
	defaultStateDir            = "~/.local/share/feederd"
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Gear: Gear{
			LongMovesSpeed:     defaultLongMovesSpeed,
			LongMovesThreshold: defaultLongMovesThreshold,
			ShortMovesSpeed:    defaultShortMovesSpeed,
			ShortMoveThreshold: defaultShortMoveThreshold,
		},
		Bowden: Bowden{
			NumMoves:      defaultNumMoves,
			LoadTolerance: defaultLoadBowdenTolerance,
		},
		Extruder: Extruder{
			HomingMethod:       0,
			HomingMax:          defaultHomingMax,
			HomingStep:         defaultHomingStep,
			HomingCurrent:      defaultHomingCurrent,
			ToolheadHomingMax:  defaultToolheadHomingMax,
			ToolheadHomingStep: defaultToolheadHomingStep,
			DelayServoRelease:  defaultDelayServoRelease,
			NozzleLoadSpeed:    defaultNozzleLoadSpeed,
			NozzleUnloadSpeed:  defaultNozzleUnloadSpeed,
			UnloadBuffer:       defaultUnloadBuffer,
			MinTemp:            defaultMinTempExtruder,
		},
		Encoder: Encoder{
			ParkingDistance: defaultParkingDistance,
			MoveStepSize:    defaultMoveStepSize,
			LoadRetries:     defaultLoadRetries,
		},
		Servo: Servo{
			DownAngle: defaultServoDownAngle,
			UpAngle:   defaultServoUpAngle,
		},
		Selector: Selector{
			HomingSpeed: defaultSelectorHomingSpeed,
			MoveSpeed:   defaultSelectorMoveSpeed,
		},
		Clog: Clog{
			Enabled: true,
		},
		Pause: Pause{
			TimeoutPause:  defaultTimeoutPause,
			DisableHeater: defaultDisableHeater,
			ZHopHeight:    defaultZHopHeight,
			ZHopSpeed:     defaultZHopSpeed,
		},
		Persistence: Persistence{
			Level:    defaultPersistenceLevel,
			StateDir: defaultStateDir,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
			Visual: true,
		},
	}
}
