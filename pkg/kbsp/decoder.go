// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Decoder reassembles KBSP frames from a byte stream.
//
// Bytes are appended with AddBytes and frames are pulled with GetMessage.
// A Decoder is not safe for concurrent use; it belongs to the goroutine
// reading the transport.
type Decoder struct {
	buf [bufferCapacity]byte
	n   int
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Reset discards all buffered bytes
func (d *Decoder) Reset() {
	d.n = 0
}

// Buffered returns the number of bytes waiting to be decoded
func (d *Decoder) Buffered() int {
	return d.n
}

// Available returns how many more bytes AddBytes will accept
func (d *Decoder) Available() int {
	return len(d.buf) - d.n
}

// AddBytes appends raw transport bytes. If p does not fit, nothing is
// appended and ErrBufferOverflow is returned; callers must drain with
// GetMessage before adding more.
func (d *Decoder) AddBytes(p []byte) error {
	if len(p) > d.Available() {
		return fmt.Errorf("%w: %d bytes buffered, %d more offered (capacity %d)",
			ErrBufferOverflow, d.n, len(p), len(d.buf))
	}
	d.n += copy(d.buf[d.n:], p)
	return nil
}

// GetMessage extracts the next frame from the head of the buffer.
//
// It returns (nil, nil) when more bytes are needed. When input is dropped it
// returns (nil, err) with err wrapping ErrFraming, ErrPayloadTooLarge,
// ErrTrailer or ErrChecksum; the buffer has already moved past the bad
// input, so the caller should simply call GetMessage again.
func (d *Decoder) GetMessage() (*Message, error) {
	skipped := 0
	for d.magicMismatch() {
		d.discard(1)
		skipped++
	}
	if skipped > 0 {
		return nil, fmt.Errorf("%w: skipped %d bytes", ErrFraming, skipped)
	}

	if d.n < HeaderLength {
		return nil, nil
	}

	header := d.buf[:HeaderLength]
	msgType := binary.LittleEndian.Uint16(header[len(Magic):])
	length := int(binary.LittleEndian.Uint16(header[len(Magic)+2:]))
	if length > MaxPayloadLength {
		d.discard(HeaderLength)
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, length, MaxPayloadLength)
	}

	total := MinFrameLength + length
	if d.n < total {
		return nil, nil
	}

	msg, err := decodeFrame(d.buf[:total], msgType, length)
	d.discard(total)
	return msg, err
}

// decodeFrame validates one complete frame. The frame slice is only valid
// until the buffer is compacted, so everything kept is copied out.
func decodeFrame(frame []byte, msgType uint16, length int) (*Message, error) {
	body := frame[:HeaderLength+length]
	footer := frame[HeaderLength+length:]

	if string(footer[2:]) != Trailer {
		return nil, fmt.Errorf("%w: got % x", ErrTrailer, footer[2:])
	}

	wireCRC := binary.LittleEndian.Uint16(footer[:2])
	if crc := CalculateCRC(body); crc != wireCRC {
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrChecksum, crc, wireCRC)
	}

	tags, complete := parseTags(frame[HeaderLength : HeaderLength+length])
	return &Message{
		msgType:   msgType,
		tags:      tags,
		crc:       wireCRC,
		timestamp: time.Now(),
		truncated: !complete,
	}, nil
}

// magicMismatch reports whether the buffered prefix cannot be the start of
// a frame. A partial prefix that matches so far is not a mismatch.
func (d *Decoder) magicMismatch() bool {
	n := min(d.n, len(Magic))
	for i := 0; i < n; i++ {
		if d.buf[i] != Magic[i] {
			return true
		}
	}
	return false
}

// discard drops n bytes from the head of the buffer. Every compaction goes
// through here.
func (d *Decoder) discard(n int) {
	if n < 0 || n > d.n {
		panic(fmt.Sprintf("kbsp: discard %d of %d buffered bytes", n, d.n))
	}
	copy(d.buf[:], d.buf[n:d.n])
	d.n -= n
}
