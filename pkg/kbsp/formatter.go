// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// tagKind selects how a tag value is rendered.
type tagKind int

const (
	kindHex tagKind = iota
	kindString
	kindInteger
	kindUint16
	kindTemperature
	kindBoolean
	kindOutputMode
	kindOutputID
)

type tagFormat struct {
	name string
	kind tagKind
}

// tagFormats maps message type and tag number to a display rule. Tags not
// listed are shown as hex.
var tagFormats = map[uint16]map[uint8]tagFormat{
	MsgHello: {
		TagHelloFirmwareVersion: {"firmware_version", kindUint16},
		TagHelloProtocolVersion: {"protocol_version", kindUint16},
		TagHelloSerialNumber:    {"serial_number", kindString},
		TagHelloUptimeMillis:    {"uptime_millis", kindInteger},
		TagHelloUptimeDays:      {"uptime_days", kindInteger},
	},
	MsgMeterStatus: {
		TagMeterName:    {"meter_name", kindString},
		TagMeterReading: {"meter_reading", kindInteger},
	},
	MsgTemperatureReading: {
		TagSensorName:  {"sensor_name", kindString},
		TagSensorValue: {"sensor_reading", kindTemperature},
	},
	MsgOutputStatus: {
		TagOutputName:  {"output_name", kindString},
		TagOutputState: {"output_reading", kindBoolean},
	},
	MsgAuthToken: {
		TagAuthDevice: {"device", kindString},
		TagAuthToken:  {"token", kindHex},
		TagAuthStatus: {"status", kindBoolean},
	},
	MsgSetOutput: {
		TagOutputID:   {"output_id", kindOutputID},
		TagOutputMode: {"output_mode", kindOutputMode},
	},
}

var messageTypeNames = map[uint16]string{
	MsgHello:              "HELLO",
	MsgMeterStatus:        "METER_STATUS",
	MsgTemperatureReading: "TEMPERATURE_READING",
	MsgOutputStatus:       "OUTPUT_STATUS",
	MsgOnewirePresence:    "ONEWIRE_PRESENCE",
	MsgAuthToken:          "AUTH_TOKEN",
	MsgPing:               "PING",
	MsgSetOutput:          "SET_OUTPUT",
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(msgType uint16) string {
	if name, ok := messageTypeNames[msgType]; ok {
		return name
	}
	return "UNKNOWN"
}

// FormatMessage formats a message into a human-readable string
func FormatMessage(m *Message) string {
	timestamp := m.timestamp.Format("15:04:05.000")
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s (0x%02X) tags=%d", timestamp, FormatMessageType(m.Type()), m.Type(), len(m.tags))
	if m.truncated {
		b.WriteString(" (truncated)")
	}
	b.WriteString("\n")

	ids := m.TagIDs()
	if len(ids) == 0 {
		b.WriteString("  (no payload)\n")
		return b.String()
	}
	for _, id := range ids {
		b.WriteString("  ")
		b.WriteString(FormatTag(m.Type(), id, m.tags[id]))
		b.WriteString("\n")
	}
	if err := m.ParseError(); err != nil {
		fmt.Fprintf(&b, "  ! %v\n", err)
	}
	return b.String()
}

// FormatTag renders one tag as "name: value".
func FormatTag(msgType uint16, tag uint8, value []byte) string {
	f, ok := tagFormats[msgType][tag]
	if !ok {
		f = tagFormat{name: fmt.Sprintf("tag_0x%02x", tag), kind: kindHex}
	}
	return f.name + ": " + formatValue(f.kind, value)
}

func formatValue(kind tagKind, v []byte) string {
	switch kind {
	case kindString:
		return fmt.Sprintf("%q", strings.TrimRight(string(v), "\x00"))
	case kindInteger:
		if len(v) == 4 {
			return fmt.Sprintf("%d", binary.LittleEndian.Uint32(v))
		}
	case kindUint16:
		if len(v) == 2 {
			return fmt.Sprintf("%d", binary.LittleEndian.Uint16(v))
		}
	case kindTemperature:
		if len(v) == 4 {
			return fmt.Sprintf("%.2f°C", float64(int32(binary.LittleEndian.Uint32(v)))/1e6)
		}
	case kindBoolean:
		if len(v) == 1 {
			return fmt.Sprintf("%t", v[0] != 0)
		}
	case kindOutputID:
		if len(v) == 1 {
			return fmt.Sprintf("%d", v[0]&0x0f)
		}
	case kindOutputMode:
		if len(v) > 0 {
			if v[0] != 0 {
				return "enabled"
			}
			return "disabled"
		}
	}
	if len(v) == 0 {
		return "(empty)"
	}
	return hex.EncodeToString(v)
}
