// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import (
	"encoding/binary"
	"math"
)

// NewPingCommand creates a PING message (0x81).
// The board answers with HELLO.
func NewPingCommand() *Message {
	return NewMessage(MsgPing, nil)
}

// NewSetOutputCommand creates a SET_OUTPUT message (0x84).
// Only the low 4 bits of outputID are sent.
func NewSetOutputCommand(outputID int, enabled bool) *Message {
	mode := []byte{0, 0}
	if enabled {
		mode[0] = 1
	}
	return NewMessage(MsgSetOutput, map[uint8][]byte{
		TagOutputID:   {byte(outputID & 0x0f)},
		TagOutputMode: mode,
	})
}

// NewMeterStatusMessage creates a METER_STATUS message (0x10), as a board
// would send it. Used by simulators and tests.
func NewMeterStatusMessage(meterName string, reading uint32) *Message {
	return NewMessage(MsgMeterStatus, map[uint8][]byte{
		TagMeterName:    []byte(meterName),
		TagMeterReading: binary.LittleEndian.AppendUint32(nil, reading),
	})
}

// NewHelloMessage creates a HELLO message (0x01).
func NewHelloMessage(firmwareVersion, protocolVersion uint16, serialNumber string) *Message {
	tags := map[uint8][]byte{
		TagHelloFirmwareVersion: binary.LittleEndian.AppendUint16(nil, firmwareVersion),
		TagHelloProtocolVersion: binary.LittleEndian.AppendUint16(nil, protocolVersion),
	}
	if serialNumber != "" {
		tags[TagHelloSerialNumber] = []byte(serialNumber)
	}
	return NewMessage(MsgHello, tags)
}

// NewTemperatureReadingMessage creates a TEMPERATURE_READING message (0x11).
func NewTemperatureReadingMessage(sensorName string, celsius float64) *Message {
	raw := int32(math.Round(celsius * 1e6))
	return NewMessage(MsgTemperatureReading, map[uint8][]byte{
		TagSensorName:  []byte(sensorName),
		TagSensorValue: binary.LittleEndian.AppendUint32(nil, uint32(raw)),
	})
}

// NewAuthTokenMessage creates an AUTH_TOKEN message (0x14). token is the
// raw token as the reader reports it.
func NewAuthTokenMessage(device string, token []byte, status TokenStatus) *Message {
	tags := map[uint8][]byte{
		TagAuthDevice: []byte(device),
		TagAuthToken:  token,
	}
	switch status {
	case TokenStatusPresent:
		tags[TagAuthStatus] = []byte{1}
	case TokenStatusRemoved:
		tags[TagAuthStatus] = []byte{0}
	}
	return NewMessage(MsgAuthToken, tags)
}
