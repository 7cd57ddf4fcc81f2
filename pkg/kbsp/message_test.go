// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// decodeOne frames msgType/tags and runs it through a Decoder.
func decodeOne(t *testing.T, msgType uint16, tags map[uint8][]byte) *Message {
	t.Helper()
	frame, err := EncodeFrame(msgType, tags)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	d := NewDecoder()
	d.AddBytes(frame)
	m, err := d.GetMessage()
	if err != nil || m == nil {
		t.Fatalf("GetMessage: (%v, %v)", m, err)
	}
	return m
}

func le32(v int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(v))
}

// ============================================================
// Hello
// ============================================================

func TestHello(t *testing.T) {
	m := decodeOne(t, MsgHello, map[uint8][]byte{
		TagHelloFirmwareVersion: {18, 0},
		TagHelloProtocolVersion: {1, 0},
		TagHelloSerialNumber:    []byte("KB-0123-4567-89abcdef\x00\x00"),
		TagHelloUptimeMillis:    le32(5000),
	})

	h, ok := m.Body().(Hello)
	if !ok {
		t.Fatalf("expected Hello, got %T (%v)", m.Body(), m.ParseError())
	}
	if h.FirmwareVersion != 18 || h.ProtocolVersion != 1 {
		t.Errorf("versions = %d/%d, want 18/1", h.FirmwareVersion, h.ProtocolVersion)
	}
	if h.SerialNumber != "KB-0123-4567-89abcdef" {
		t.Errorf("serial = %q", h.SerialNumber)
	}
	if h.UptimeMillis != 5000 {
		t.Errorf("uptime millis = %d", h.UptimeMillis)
	}
	if h.UptimeDays != -1 {
		t.Errorf("uptime days = %d, want -1 when absent", h.UptimeDays)
	}
}

func TestHello_BadVersionWidth(t *testing.T) {
	m := decodeOne(t, MsgHello, map[uint8][]byte{TagHelloFirmwareVersion: {18}})
	if !errors.Is(m.ParseError(), ErrTagLength) {
		t.Fatalf("expected ErrTagLength, got %v", m.ParseError())
	}
	if m.Body() != nil {
		t.Errorf("body should be nil on parse error, got %T", m.Body())
	}
}

// ============================================================
// MeterStatus
// ============================================================

func TestMeterStatus(t *testing.T) {
	tests := []struct {
		name    string
		tags    map[uint8][]byte
		meter   string
		reading uint32
	}{
		{
			name:    "full",
			tags:    map[uint8][]byte{TagMeterName: []byte("flow0"), TagMeterReading: le32(10000)},
			meter:   "flow0",
			reading: 10000,
		},
		{
			name:    "missing reading defaults to zero",
			tags:    map[uint8][]byte{TagMeterName: []byte("flow1")},
			meter:   "flow1",
			reading: 0,
		},
		{
			name:    "counter near wrap",
			tags:    map[uint8][]byte{TagMeterName: []byte("flow0"), TagMeterReading: {0xFF, 0xFF, 0xFF, 0xFF}},
			meter:   "flow0",
			reading: math.MaxUint32,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := decodeOne(t, MsgMeterStatus, tt.tags)
			name, reading := meterReading(t, m)
			if name != tt.meter || reading != tt.reading {
				t.Errorf("got %s=%d, want %s=%d", name, reading, tt.meter, tt.reading)
			}
		})
	}
}

// ============================================================
// TemperatureReading
// ============================================================

func TestTemperatureReading(t *testing.T) {
	tests := []struct {
		name string
		raw  int32
		want float64
	}{
		{"positive", 21500000, 21.5},
		{"negative", -1500000, -1.5},
		{"zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := decodeOne(t, MsgTemperatureReading, map[uint8][]byte{
				TagSensorName:  []byte("thermo-ab"),
				TagSensorValue: le32(tt.raw),
			})
			r, ok := m.Body().(TemperatureReading)
			if !ok {
				t.Fatalf("expected TemperatureReading, got %T (%v)", m.Body(), m.ParseError())
			}
			if r.SensorName != "thermo-ab" || r.Celsius != tt.want {
				t.Errorf("got %s=%v, want thermo-ab=%v", r.SensorName, r.Celsius, tt.want)
			}
		})
	}
}

func TestTemperatureReading_MissingValue(t *testing.T) {
	m := decodeOne(t, MsgTemperatureReading, map[uint8][]byte{TagSensorName: []byte("thermo-ab")})
	if !errors.Is(m.ParseError(), ErrMissingTag) {
		t.Fatalf("expected ErrMissingTag, got %v", m.ParseError())
	}
}

func TestTemperatureReading_RoundTrip(t *testing.T) {
	m := decodeOne(t, MsgTemperatureReading, NewTemperatureReadingMessage("t0", 3.25).tags)
	if r := m.Body().(TemperatureReading); r.Celsius != 3.25 {
		t.Errorf("Celsius = %v, want 3.25", r.Celsius)
	}
}

// ============================================================
// AuthToken
// ============================================================

func TestAuthToken(t *testing.T) {
	token := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	tests := []struct {
		name   string
		device string
		status []byte
		wantDv string
		wantTk string
		wantSt TokenStatus
	}{
		{"onewire present", "onewire", []byte{1}, "core.onewire", "0807060504030201", TokenStatusPresent},
		{"onewire removed", "onewire", []byte{0}, "core.onewire", "0807060504030201", TokenStatusRemoved},
		{"rfid keeps byte order", "core.rfid", []byte{1}, "core.rfid", "0102030405060708", TokenStatusPresent},
		{"status absent", "core.rfid", nil, "core.rfid", "0102030405060708", TokenStatusUnknown},
		{"status out of range", "core.rfid", []byte{7}, "core.rfid", "0102030405060708", TokenStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tags := map[uint8][]byte{
				TagAuthDevice: []byte(tt.device),
				TagAuthToken:  token,
			}
			if tt.status != nil {
				tags[TagAuthStatus] = tt.status
			}
			m := decodeOne(t, MsgAuthToken, tags)
			a, ok := m.Body().(AuthToken)
			if !ok {
				t.Fatalf("expected AuthToken, got %T", m.Body())
			}
			if a.Device != tt.wantDv || a.Token != tt.wantTk || a.Status != tt.wantSt {
				t.Errorf("got %s/%s/%s, want %s/%s/%s", a.Device, a.Token, a.Status, tt.wantDv, tt.wantTk, tt.wantSt)
			}
		})
	}

	if token[0] != 0x01 {
		t.Error("decoding must not reverse the caller's token bytes")
	}
}

// ============================================================
// Placeholders and Unknown
// ============================================================

func TestPlaceholderBodies(t *testing.T) {
	m := decodeOne(t, MsgOutputStatus, map[uint8][]byte{TagOutputName: []byte("relay0"), TagOutputState: {1}})
	if o, ok := m.Body().(OutputStatus); !ok || o.OutputName != "relay0" {
		t.Errorf("OutputStatus body = %#v", m.Body())
	}

	m = decodeOne(t, MsgOnewirePresence, map[uint8][]byte{1: {0xAA}})
	if _, ok := m.Body().(OnewirePresence); !ok {
		t.Errorf("OnewirePresence body = %T", m.Body())
	}
}

func TestUnknownType(t *testing.T) {
	m := decodeOne(t, 0x42, map[uint8][]byte{9: {1, 2, 3}})
	u, ok := m.Body().(Unknown)
	if !ok {
		t.Fatalf("expected Unknown, got %T", m.Body())
	}
	if u.Type != 0x42 || u.MessageType() != 0x42 {
		t.Errorf("type = 0x%02X", u.Type)
	}
	if v := u.Tags[9]; len(v) != 3 {
		t.Errorf("tag 9 = % x", v)
	}
	if m.ParseError() != nil {
		t.Errorf("unknown types are not parse errors: %v", m.ParseError())
	}
}

func TestTagIDsSorted(t *testing.T) {
	m := NewMessage(0x42, map[uint8][]byte{5: nil, 1: nil, 3: nil})
	ids := m.TagIDs()
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 3 || ids[2] != 5 {
		t.Errorf("TagIDs() = %v", ids)
	}
}
