// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package kbsp implements the Kegboard Serial Protocol (KBSP v1).
//
// KBSP is the framed binary protocol spoken by Kegboard flow-control boards.
// Every frame is a fixed 12 byte header ("KBSP v1:" magic, little-endian
// message type, little-endian payload length), a TLV payload, a
// little-endian CRC16 over header and payload, and a "\r\n" trailer.
//
// This package provides incremental frame decoding with resynchronization,
// CRC validation, typed message bodies, command encoding, and payload
// formatting for diagnostics.
package kbsp

// Frame magic and trailer
const (
	Magic   = "KBSP v1:"
	Trailer = "\r\n"
)

// Frame size limits
const (
	HeaderLength   = len(Magic) + 4 // magic + type(2) + length(2)
	FooterLength   = 2 + len(Trailer)
	MinFrameLength = HeaderLength + FooterLength // 16
	MaxFrameLength = 256

	// MaxPayloadLength is the single authoritative payload cap (240).
	MaxPayloadLength = MaxFrameLength - MinFrameLength
)

// bufferCapacity bounds the decoder's reassembly buffer.
const bufferCapacity = 8 * MaxFrameLength

// Message types - board to host
const (
	MsgHello              uint16 = 0x01
	MsgMeterStatus        uint16 = 0x10
	MsgTemperatureReading uint16 = 0x11
	MsgOutputStatus       uint16 = 0x12
	MsgOnewirePresence    uint16 = 0x13
	MsgAuthToken          uint16 = 0x14
)

// Message types - host to board
const (
	MsgPing      uint16 = 0x81
	MsgSetOutput uint16 = 0x84
)

// Hello tags
const (
	TagHelloFirmwareVersion = 0x01
	TagHelloProtocolVersion = 0x02
	TagHelloSerialNumber    = 0x03
	TagHelloUptimeMillis    = 0x04
	TagHelloUptimeDays      = 0x05
)

// MeterStatus tags
const (
	TagMeterName    = 0x01
	TagMeterReading = 0x02
)

// TemperatureReading tags
const (
	TagSensorName  = 0x01
	TagSensorValue = 0x02
)

// OutputStatus tags
const (
	TagOutputName  = 0x01
	TagOutputState = 0x02
)

// AuthToken tags
const (
	TagAuthDevice = 0x01
	TagAuthToken  = 0x02
	TagAuthStatus = 0x03
)

// SetOutput tags
const (
	TagOutputID   = 0x01
	TagOutputMode = 0x02
)

// MaxOutputs is the number of relay outputs addressable by SetOutput.
const MaxOutputs = 4

// OnewireDevice is the auth device name reported by the board's onewire bus,
// and CoreOnewireDevice is the logical name tokens from it are published as.
const (
	OnewireDevice     = "onewire"
	CoreOnewireDevice = "core.onewire"
)

// TokenStatus is the presence state carried by an AuthToken message.
type TokenStatus int

// Token status values
const (
	TokenStatusUnknown TokenStatus = iota
	TokenStatusPresent
	TokenStatusRemoved
)

func (s TokenStatus) String() string {
	switch s {
	case TokenStatusPresent:
		return "PRESENT"
	case TokenStatusRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}
