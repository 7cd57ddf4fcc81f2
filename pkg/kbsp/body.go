// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import (
	"encoding/hex"
	"fmt"
	"math"
)

// Body is the typed content of a message. The set of implementations is
// closed: Hello, MeterStatus, TemperatureReading, OutputStatus,
// OnewirePresence, AuthToken, Ping, SetOutput and Unknown.
type Body interface {
	// MessageType returns the type code this body is carried under.
	MessageType() uint16
	isBody()
}

// Hello is sent by the board on boot and in reply to Ping.
type Hello struct {
	FirmwareVersion uint16
	ProtocolVersion uint16
	SerialNumber    string
	UptimeMillis    uint32
	// UptimeDays is -1 when the board did not report it.
	UptimeDays int64
}

// MeterStatus reports the absolute tick counter of one flow meter.
type MeterStatus struct {
	MeterName string
	Reading   uint32
}

// TemperatureReading reports one sensor in degrees Celsius.
type TemperatureReading struct {
	SensorName string
	Celsius    float64
}

// OutputStatus reports a relay output. Its payload carries no required
// semantics.
type OutputStatus struct {
	OutputName string
}

// OnewirePresence reports a device on the onewire bus. Its payload carries no
// required semantics.
type OnewirePresence struct {
	Tags map[uint8][]byte
}

// AuthToken reports an authentication token arriving at or leaving a reader.
type AuthToken struct {
	Device string
	// Token is the token value, hex encoded.
	Token  string
	Status TokenStatus
}

// Ping asks the board to answer with Hello.
type Ping struct{}

// SetOutput drives one relay output.
type SetOutput struct {
	OutputID uint8
	Enabled  bool
}

// Unknown carries any message type this package does not model.
type Unknown struct {
	Type uint16
	Tags map[uint8][]byte
}

func (Hello) MessageType() uint16              { return MsgHello }
func (MeterStatus) MessageType() uint16        { return MsgMeterStatus }
func (TemperatureReading) MessageType() uint16 { return MsgTemperatureReading }
func (OutputStatus) MessageType() uint16       { return MsgOutputStatus }
func (OnewirePresence) MessageType() uint16    { return MsgOnewirePresence }
func (AuthToken) MessageType() uint16          { return MsgAuthToken }
func (Ping) MessageType() uint16               { return MsgPing }
func (SetOutput) MessageType() uint16          { return MsgSetOutput }
func (u Unknown) MessageType() uint16          { return u.Type }

func (Hello) isBody()              {}
func (MeterStatus) isBody()        {}
func (TemperatureReading) isBody() {}
func (OutputStatus) isBody()       {}
func (OnewirePresence) isBody()    {}
func (AuthToken) isBody()          {}
func (Ping) isBody()               {}
func (SetOutput) isBody()          {}
func (Unknown) isBody()            {}

// bodyDecoders dispatches on the header type code.
var bodyDecoders = map[uint16]func(map[uint8][]byte) (Body, error){
	MsgHello:              decodeHello,
	MsgMeterStatus:        decodeMeterStatus,
	MsgTemperatureReading: decodeTemperatureReading,
	MsgOutputStatus:       decodeOutputStatus,
	MsgOnewirePresence:    decodeOnewirePresence,
	MsgAuthToken:          decodeAuthToken,
	MsgPing:               decodePing,
	MsgSetOutput:          decodeSetOutput,
}

func decodeBody(msgType uint16, tags map[uint8][]byte) (Body, error) {
	decode, ok := bodyDecoders[msgType]
	if !ok {
		return Unknown{Type: msgType, Tags: tags}, nil
	}
	body, err := decode(tags)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", FormatMessageType(msgType), err)
	}
	if body.MessageType() != msgType {
		return nil, fmt.Errorf("%w: header 0x%02x, body 0x%02x", ErrTypeMismatch, msgType, body.MessageType())
	}
	return body, nil
}

func decodeHello(tags map[uint8][]byte) (Body, error) {
	h := Hello{
		SerialNumber: readString(tags, TagHelloSerialNumber),
		UptimeDays:   -1,
	}
	var err error
	if h.FirmwareVersion, _, err = readUint16(tags, TagHelloFirmwareVersion); err != nil {
		return nil, err
	}
	if h.ProtocolVersion, _, err = readUint16(tags, TagHelloProtocolVersion); err != nil {
		return nil, err
	}
	if h.UptimeMillis, _, err = readUint32(tags, TagHelloUptimeMillis); err != nil {
		return nil, err
	}
	days, ok, err := readUint32(tags, TagHelloUptimeDays)
	if err != nil {
		return nil, err
	}
	if ok {
		h.UptimeDays = int64(days)
	}
	return h, nil
}

func decodeMeterStatus(tags map[uint8][]byte) (Body, error) {
	reading, _, err := readUint32(tags, TagMeterReading)
	if err != nil {
		return nil, err
	}
	return MeterStatus{
		MeterName: readString(tags, TagMeterName),
		Reading:   reading,
	}, nil
}

func decodeTemperatureReading(tags map[uint8][]byte) (Body, error) {
	raw, ok, err := readUint32(tags, TagSensorValue)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: sensor value", ErrMissingTag)
	}
	return TemperatureReading{
		SensorName: readString(tags, TagSensorName),
		Celsius:    float64(int32(raw)) / 1e6,
	}, nil
}

func decodeOutputStatus(tags map[uint8][]byte) (Body, error) {
	return OutputStatus{OutputName: readString(tags, TagOutputName)}, nil
}

func decodeOnewirePresence(tags map[uint8][]byte) (Body, error) {
	return OnewirePresence{Tags: tags}, nil
}

func decodeAuthToken(tags map[uint8][]byte) (Body, error) {
	device := readString(tags, TagAuthDevice)
	raw := tags[TagAuthToken]

	token := make([]byte, len(raw))
	copy(token, raw)
	if device == OnewireDevice {
		// The onewire bus reports ids least significant byte first.
		device = CoreOnewireDevice
		for i, j := 0, len(token)-1; i < j; i, j = i+1, j-1 {
			token[i], token[j] = token[j], token[i]
		}
	}

	status := TokenStatusUnknown
	if v, ok := tags[TagAuthStatus]; ok && len(v) == 1 {
		switch v[0] {
		case 1:
			status = TokenStatusPresent
		case 0:
			status = TokenStatusRemoved
		}
	}

	return AuthToken{
		Device: device,
		Token:  hex.EncodeToString(token),
		Status: status,
	}, nil
}

func decodePing(map[uint8][]byte) (Body, error) {
	return Ping{}, nil
}

func decodeSetOutput(tags map[uint8][]byte) (Body, error) {
	id, ok := tags[TagOutputID]
	if !ok || len(id) != 1 {
		return nil, fmt.Errorf("%w: output id", ErrMissingTag)
	}
	mode, ok := tags[TagOutputMode]
	if !ok || len(mode) == 0 {
		return nil, fmt.Errorf("%w: output mode", ErrMissingTag)
	}
	return SetOutput{
		OutputID: id[0] & 0x0f,
		Enabled:  mode[0] != 0,
	}, nil
}

// validTemperature reports whether t is a finite reading.
func validTemperature(t float64) bool {
	return !math.IsNaN(t) && !math.IsInf(t, 0)
}
