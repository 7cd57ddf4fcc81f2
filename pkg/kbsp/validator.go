// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import "fmt"

// AnomalyType represents different types of message anomalies
type AnomalyType int

const (
	AnomalyTruncatedPayload AnomalyType = iota
	AnomalyParseError
	AnomalyMissingMeterName
	AnomalyInvalidTemp
	AnomalyUnknownTokenStatus
	AnomalyInvalidOutput
	AnomalyMissingSerial
	AnomalyUnknownType
)

// Plausible sensor range, in degrees Celsius
const (
	MinPlausibleTemp = -40.0
	MaxPlausibleTemp = 120.0
)

// ValidationError represents a message anomaly. Anomalies never cause a
// message to be dropped.
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateMessage detects anomalies in a decoded message.
// Returns a slice of validation errors (empty if the message is clean)
func ValidateMessage(m *Message) []ValidationError {
	errors := []ValidationError{}

	if m.Truncated() {
		errors = append(errors, ValidationError{
			Type:    AnomalyTruncatedPayload,
			Message: "payload ends inside a tag",
			Details: map[string]interface{}{"tags": len(m.tags)},
		})
	}

	if err := m.ParseError(); err != nil {
		return append(errors, ValidationError{
			Type:    AnomalyParseError,
			Message: err.Error(),
		})
	}

	switch body := m.Body().(type) {
	case MeterStatus:
		if body.MeterName == "" {
			errors = append(errors, ValidationError{
				Type:    AnomalyMissingMeterName,
				Message: "METER_STATUS without meter name",
			})
		}
	case TemperatureReading:
		if !validTemperature(body.Celsius) || body.Celsius < MinPlausibleTemp || body.Celsius > MaxPlausibleTemp {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidTemp,
				Message: fmt.Sprintf("Implausible temperature %s=%.2f°C", body.SensorName, body.Celsius),
				Details: map[string]interface{}{"sensor": body.SensorName, "celsius": body.Celsius},
			})
		}
	case AuthToken:
		if body.Status == TokenStatusUnknown {
			errors = append(errors, ValidationError{
				Type:    AnomalyUnknownTokenStatus,
				Message: fmt.Sprintf("AUTH_TOKEN %s with unknown status", body.Device),
				Details: map[string]interface{}{"device": body.Device},
			})
		}
	case SetOutput:
		raw, _ := m.Tag(TagOutputID)
		if len(raw) == 1 && int(raw[0]) >= MaxOutputs {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidOutput,
				Message: fmt.Sprintf("Output id %d out of range (max %d)", raw[0], MaxOutputs-1),
				Details: map[string]interface{}{"output": raw[0]},
			})
		}
	case Hello:
		if body.SerialNumber == "" {
			errors = append(errors, ValidationError{
				Type:    AnomalyMissingSerial,
				Message: "HELLO without serial number",
			})
		}
	case Unknown:
		errors = append(errors, ValidationError{
			Type:    AnomalyUnknownType,
			Message: fmt.Sprintf("Unknown message type 0x%02X", body.Type),
			Details: map[string]interface{}{"type": body.Type},
		})
	}

	return errors
}
