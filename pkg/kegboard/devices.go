// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kegboard

import (
	"fmt"
	"math"
)

// FlowMeter is a snapshot of one meter channel.
type FlowMeter struct {
	Controller string
	Name       string
	// Ticks is the board's absolute counter. It may wrap or reset.
	Ticks uint32
}

// FullName is the meter name taps are bound to, e.g. "kegboard.flow0".
func (m FlowMeter) FullName() string {
	return m.Controller + "." + m.Name
}

func (m FlowMeter) String() string {
	return fmt.Sprintf("%s=%d", m.FullName(), m.Ticks)
}

// ThermoSensor is a snapshot of one temperature sensor.
type ThermoSensor struct {
	Controller string
	Name       string
	// TemperatureC is NaN until the first reading.
	TemperatureC float64
}

// FullName is the sensor name qualified by its board.
func (s ThermoSensor) FullName() string {
	return s.Controller + "." + s.Name
}

// HasReading reports whether a temperature has been received.
func (s ThermoSensor) HasReading() bool {
	return !math.IsNaN(s.TemperatureC)
}

func (s ThermoSensor) String() string {
	if !s.HasReading() {
		return s.FullName() + "=?"
	}
	return fmt.Sprintf("%s=%.2fC", s.FullName(), s.TemperatureC)
}

// AuthenticationToken identifies a drinker by reader device and token value.
type AuthenticationToken struct {
	Device string
	Value  string
}

func (t AuthenticationToken) String() string {
	return t.Device + "|" + t.Value
}
