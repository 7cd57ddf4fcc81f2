// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import "errors"

// Frame-level errors. The decoder recovers from all of these locally; they
// are returned so callers can log and count dropped input.
var (
	ErrFraming         = errors.New("kbsp: framing error")
	ErrPayloadTooLarge = errors.New("kbsp: payload too large")
	ErrChecksum        = errors.New("kbsp: checksum mismatch")
	ErrTrailer         = errors.New("kbsp: bad trailer")
	ErrTypeMismatch    = errors.New("kbsp: message type mismatch")
	ErrBufferOverflow  = errors.New("kbsp: decoder buffer overflow")
)

// Payload-level errors, reported by Message.ParseError.
var (
	ErrMissingTag = errors.New("kbsp: missing tag")
	ErrTagLength  = errors.New("kbsp: bad tag length")
)
