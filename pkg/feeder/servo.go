// Gate servo control
//
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package feeder

import "ercf-go/pkg/errors"

// servoDown engages the gate clamp. A couple of tiny gear oscillations
// settle the filament into the drive gear teeth.
func (c *Controller) servoDown() error {
	if c.gateSelected == GateBypass {
		return nil
	}
	if c.servoState == ServoDown {
		return nil
	}
	c.logger.Debug("setting servo to down angle %.0f", c.cfg.Servo.DownAngle)
	if err := c.ports.Servo.SetAngle(c.cfg.Servo.DownAngle); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "servo down failed")
	}
	for i := 0; i < 2; i++ {
		if err := c.ports.Gear.Move(0.5, c.cfg.Gear.ShortMovesSpeed); err != nil {
			return err
		}
		if err := c.ports.Gear.Move(-0.5, c.cfg.Gear.ShortMovesSpeed); err != nil {
			return err
		}
	}
	c.servoState = ServoDown
	return nil
}

// servoUp releases the gate clamp. Any encoder movement seen during the
// release is spring tension unwinding, not filament transport, so the
// encoder is rewound to its prior reading. The residual is returned so
// callers can decide whether the filament is still gripped.
func (c *Controller) servoUp() (float64, error) {
	if c.servoState == ServoUp {
		return 0, nil
	}
	c.logger.Debug("setting servo to up angle %.0f", c.cfg.Servo.UpAngle)
	initial := c.ports.Encoder.Distance()
	if err := c.ports.Servo.SetAngle(c.cfg.Servo.UpAngle); err != nil {
		return 0, errors.Wrap(err, errors.ErrRuntime, "servo up failed")
	}
	delta := c.ports.Encoder.Distance() - initial
	if delta > 0 {
		c.logger.Debug("spring release of %.1fmm detected on servo up", delta)
		c.ports.Encoder.SetDistance(initial)
	}
	c.servoState = ServoUp
	return delta, nil
}

// ServoDown engages the gate clamp (operator command).
func (c *Controller) ServoDown() error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	return c.servoDown()
}

// ServoUp releases the gate clamp (operator command).
func (c *Controller) ServoUp() error {
	if err := c.checkNotLocked(); err != nil {
		return err
	}
	_, err := c.servoUp()
	return err
}
