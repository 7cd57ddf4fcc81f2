// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import (
	"bytes"
	"errors"
	"testing"
)

// ============================================================
// Command Encoding Tests
// ============================================================

func TestNewPingCommand_Wire(t *testing.T) {
	want := append([]byte(Magic), 0x81, 0x00, 0x00, 0x00, 0xD4, 0xC7, '\r', '\n')
	got := MustEncode(NewPingCommand())
	if !bytes.Equal(got, want) {
		t.Errorf("ping frame\n got % x\nwant % x", got, want)
	}
}

func TestNewSetOutputCommand_Wire(t *testing.T) {
	want := append([]byte(Magic),
		0x84, 0x00, 0x07, 0x00,
		0x01, 0x01, 0x02,
		0x02, 0x02, 0x01, 0x00,
		0x40, 0x7A, '\r', '\n')
	got := MustEncode(NewSetOutputCommand(2, true))
	if !bytes.Equal(got, want) {
		t.Errorf("set output frame\n got % x\nwant % x", got, want)
	}
}

func TestSetOutput_RoundTrip(t *testing.T) {
	for id := 0; id < MaxOutputs; id++ {
		for _, enabled := range []bool{true, false} {
			m := decodeOne(t, MsgSetOutput, NewSetOutputCommand(id, enabled).tags)
			body, ok := m.Body().(SetOutput)
			if !ok {
				t.Fatalf("expected SetOutput, got %T (%v)", m.Body(), m.ParseError())
			}
			if int(body.OutputID) != id || body.Enabled != enabled {
				t.Errorf("round trip (%d, %t) = (%d, %t)", id, enabled, body.OutputID, body.Enabled)
			}
		}
	}
}

func TestSetOutput_MasksID(t *testing.T) {
	m := NewSetOutputCommand(0x12, false)
	id, _ := m.Tag(TagOutputID)
	if len(id) != 1 || id[0] != 0x02 {
		t.Errorf("output id tag = % x, want 02", id)
	}
	mode, _ := m.Tag(TagOutputMode)
	if !bytes.Equal(mode, []byte{0, 0}) {
		t.Errorf("disabled mode = % x, want 00 00", mode)
	}
}

func TestPing_RoundTrip(t *testing.T) {
	m := decodeOne(t, MsgPing, nil)
	if _, ok := m.Body().(Ping); !ok {
		t.Errorf("expected Ping, got %T", m.Body())
	}
}

func TestEncode(t *testing.T) {
	data, err := Encode(NewMeterStatusMessage("flow0", 1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte(Magic)) || !bytes.HasSuffix(data, []byte(Trailer)) {
		t.Errorf("frame not delimited: % x", data)
	}
}

func TestEncodeFrame_TooLarge(t *testing.T) {
	_, err := EncodeFrame(0x42, map[uint8][]byte{1: make([]byte, MaxPayloadLength-1)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}

	_, err = EncodeFrame(0x42, map[uint8][]byte{1: make([]byte, 300)})
	if !errors.Is(err, ErrTagLength) {
		t.Errorf("expected ErrTagLength for a 300 byte tag, got %v", err)
	}
}

func TestMustEncode_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustEncode should panic on an oversize message")
		}
	}()
	MustEncode(NewMessage(0x42, map[uint8][]byte{1: make([]byte, MaxPayloadLength)}))
}
