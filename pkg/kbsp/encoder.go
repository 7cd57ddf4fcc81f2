// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import (
	"encoding/binary"
	"fmt"
)

// Encode encodes m to wire format.
func Encode(m *Message) ([]byte, error) {
	return EncodeFrame(m.Type(), m.tags)
}

// EncodeFrame builds a complete wire frame. Tags are written in ascending
// tag order so identical messages always encode identically.
func EncodeFrame(msgType uint16, tags map[uint8][]byte) ([]byte, error) {
	payload, err := encodeTags(tags)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadLength)
	}

	frame := make([]byte, 0, MinFrameLength+len(payload))
	frame = append(frame, Magic...)
	frame = binary.LittleEndian.AppendUint16(frame, msgType)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)

	crc := CalculateCRC(frame)
	frame = binary.LittleEndian.AppendUint16(frame, crc)
	frame = append(frame, Trailer...)
	return frame, nil
}

// MustEncode encodes m, panicking on error. Only use it for messages known
// to fit, such as the command builders in this package.
func MustEncode(m *Message) []byte {
	data, err := Encode(m)
	if err != nil {
		panic(fmt.Sprintf("kbsp: encode error: %v", err))
	}
	return data
}

func encodeTags(tags map[uint8][]byte) ([]byte, error) {
	m := Message{tags: tags}
	var payload []byte
	for _, id := range m.TagIDs() {
		v := tags[id]
		if len(v) > 0xff {
			return nil, fmt.Errorf("%w: tag 0x%02x is %d bytes", ErrTagLength, id, len(v))
		}
		payload = append(payload, id, byte(len(v)))
		payload = append(payload, v...)
	}
	return payload, nil
}
