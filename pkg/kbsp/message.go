// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// Message is a decoded KBSP message: a type code plus its TLV tag map.
//
// The typed body is decoded lazily on first access. A Message returned by
// the Decoder has always passed length, trailer, and CRC validation, even
// when its body fails to decode.
type Message struct {
	msgType   uint16
	tags      map[uint8][]byte
	crc       uint16
	timestamp time.Time
	truncated bool

	body     Body
	parsed   bool
	parseErr error
}

// NewMessage creates a message from a type and tag map. Tag values are not
// copied.
func NewMessage(msgType uint16, tags map[uint8][]byte) *Message {
	if tags == nil {
		tags = map[uint8][]byte{}
	}
	return &Message{
		msgType:   msgType,
		tags:      tags,
		timestamp: time.Now(),
	}
}

// Type returns the message type code.
func (m *Message) Type() uint16 {
	return m.msgType
}

// CRC returns the checksum carried on the wire (zero for locally built
// messages).
func (m *Message) CRC() uint16 {
	return m.crc
}

// Timestamp returns when the message was decoded or built.
func (m *Message) Timestamp() time.Time {
	return m.timestamp
}

// Truncated reports whether the payload ended inside a tag. Tags read
// before the overrun are still present.
func (m *Message) Truncated() bool {
	return m.truncated
}

// Tag returns the raw value of a tag.
func (m *Message) Tag(tag uint8) ([]byte, bool) {
	v, ok := m.tags[tag]
	return v, ok
}

// TagIDs returns the tags present, in ascending order.
func (m *Message) TagIDs() []uint8 {
	ids := make([]uint8, 0, len(m.tags))
	for id := range m.tags {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Body returns the typed body. Check ParseError when the body matters.
func (m *Message) Body() Body {
	m.ensureParsed()
	return m.body
}

// ParseError returns any error from decoding the typed body.
func (m *Message) ParseError() error {
	m.ensureParsed()
	return m.parseErr
}

func (m *Message) ensureParsed() {
	if m.parsed {
		return
	}
	m.parsed = true
	m.body, m.parseErr = decodeBody(m.msgType, m.tags)
}

// parseTags splits a TLV payload into a tag map. A tag whose declared length
// overruns the payload ends parsing; tags already read are kept.
func parseTags(payload []byte) (map[uint8][]byte, bool) {
	tags := make(map[uint8][]byte)
	i := 0
	for i+2 <= len(payload) {
		tag := payload[i]
		length := int(payload[i+1])
		i += 2
		if i+length > len(payload) {
			return tags, false
		}
		value := make([]byte, length)
		copy(value, payload[i:i+length])
		tags[tag] = value
		i += length
	}
	return tags, i == len(payload)
}

//////////////////////////////////////////////////////////////
// Tag readers
//////////////////////////////////////////////////////////////

func readString(tags map[uint8][]byte, tag uint8) string {
	v, ok := tags[tag]
	if !ok {
		return ""
	}
	end := len(v)
	for end > 0 && v[end-1] == 0 {
		end--
	}
	return string(v[:end])
}

func readUint32(tags map[uint8][]byte, tag uint8) (uint32, bool, error) {
	v, ok := tags[tag]
	if !ok {
		return 0, false, nil
	}
	if len(v) != 4 {
		return 0, true, fmt.Errorf("%w: tag 0x%02x has %d bytes, want 4", ErrTagLength, tag, len(v))
	}
	return binary.LittleEndian.Uint32(v), true, nil
}

func readUint16(tags map[uint8][]byte, tag uint8) (uint16, bool, error) {
	v, ok := tags[tag]
	if !ok {
		return 0, false, nil
	}
	if len(v) != 2 {
		return 0, true, fmt.Errorf("%w: tag 0x%02x has %d bytes, want 2", ErrTagLength, tag, len(v))
	}
	return binary.LittleEndian.Uint16(v), true, nil
}
