// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kegboard

// Event is something an attached board reported. The set of
// implementations is closed.
type Event interface {
	isEvent()
}

// MeterUpdateEvent carries a new absolute meter reading.
type MeterUpdateEvent struct {
	Meter FlowMeter
}

// ThermoSensorUpdateEvent carries a new temperature.
type ThermoSensorUpdateEvent struct {
	Sensor ThermoSensor
}

// TokenAttachedEvent is raised when a token arrives at a reader.
type TokenAttachedEvent struct {
	Token AuthenticationToken
}

// TokenDetachedEvent is raised when a token leaves a reader, or its status
// is unknown.
type TokenDetachedEvent struct {
	Token AuthenticationToken
}

func (MeterUpdateEvent) isEvent()        {}
func (ThermoSensorUpdateEvent) isEvent() {}
func (TokenAttachedEvent) isEvent()      {}
func (TokenDetachedEvent) isEvent()      {}

// Listener receives board lifecycle and events. Calls come from the board's
// reader goroutine or from the manager; implementations must be safe for
// concurrent use.
type Listener interface {
	OnControllerAttached(*Controller)
	OnControllerEvent(*Controller, Event)
	OnControllerRemoved(*Controller)
}
