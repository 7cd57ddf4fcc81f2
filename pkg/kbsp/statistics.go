// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Statistics tracks message statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalMessages    uint64
	ValidMessages    uint64
	FramingErrors    uint64
	OversizeFrames   uint64
	ChecksumErrors   uint64
	TrailerErrors    uint64
	OtherErrors      uint64
	TruncatedPayload uint64
	ParseErrors      uint64
	AnomalousValues  uint64
	ByType           map[uint16]uint64

	// Rates (calculated)
	MessageRate float64 // messages/sec
	ErrorRate   float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
		ByType:         make(map[uint16]uint64),
	}
}

// Update records one GetMessage outcome: a dropped frame (decodeErr) or a
// message with its validation results.
func (s *Statistics) Update(m *Message, decodeErr error, validationErrors []ValidationError) {
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrFraming):
			s.FramingErrors++
		case errors.Is(decodeErr, ErrPayloadTooLarge):
			s.OversizeFrames++
		case errors.Is(decodeErr, ErrChecksum):
			s.ChecksumErrors++
		case errors.Is(decodeErr, ErrTrailer):
			s.TrailerErrors++
		default:
			s.OtherErrors++
		}
		return
	}
	if m == nil {
		return
	}

	s.TotalMessages++
	s.ByType[m.Type()]++

	if len(validationErrors) == 0 {
		s.ValidMessages++
		return
	}
	for _, err := range validationErrors {
		switch err.Type {
		case AnomalyTruncatedPayload:
			s.TruncatedPayload++
		case AnomalyParseError:
			s.ParseErrors++
		default:
			s.AnomalousValues++
		}
	}
}

// DroppedFrames returns the number of inputs the decoder discarded.
func (s *Statistics) DroppedFrames() uint64 {
	return s.FramingErrors + s.OversizeFrames + s.ChecksumErrors + s.TrailerErrors + s.OtherErrors
}

// ErrorCount returns dropped frames plus messages with payload problems.
func (s *Statistics) ErrorCount() uint64 {
	return s.DroppedFrames() + s.TruncatedPayload + s.ParseErrors
}

// CalculateRates calculates message and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.MessageRate = float64(s.TotalMessages) / elapsed
		s.ErrorRate = float64(s.ErrorCount()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var validPercent float64
	if s.TotalMessages > 0 {
		validPercent = float64(s.ValidMessages) * 100.0 / float64(s.TotalMessages)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Messages:  %8d\n", s.TotalMessages)
	result += fmt.Sprintf("Valid Messages:  %8d (%.1f%%)\n", s.ValidMessages, validPercent)

	if dropped := s.DroppedFrames(); dropped > 0 {
		result += fmt.Sprintf("Dropped Frames:  %8d\n", dropped)
		if s.FramingErrors > 0 {
			result += fmt.Sprintf("  Framing:          %5d\n", s.FramingErrors)
		}
		if s.OversizeFrames > 0 {
			result += fmt.Sprintf("  Oversize:         %5d\n", s.OversizeFrames)
		}
		if s.ChecksumErrors > 0 {
			result += fmt.Sprintf("  Checksum:         %5d\n", s.ChecksumErrors)
		}
		if s.TrailerErrors > 0 {
			result += fmt.Sprintf("  Trailer:          %5d\n", s.TrailerErrors)
		}
	}
	if s.TruncatedPayload > 0 {
		result += fmt.Sprintf("Truncated TLV:   %8d\n", s.TruncatedPayload)
	}
	if s.ParseErrors > 0 {
		result += fmt.Sprintf("Parse Errors:    %8d\n", s.ParseErrors)
	}
	if s.AnomalousValues > 0 {
		result += fmt.Sprintf("Anomalous Values:%8d\n", s.AnomalousValues)
	}

	types := make([]uint16, 0, len(s.ByType))
	for t := range s.ByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		result += fmt.Sprintf("  %-20s %8d\n", FormatMessageType(t), s.ByType[t])
	}

	result += fmt.Sprintf("Message Rate:    %8.1f msgs/sec\n", s.MessageRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
