// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kbsp

// crcTable holds the per-byte CRC update for every byte value, starting
// from a zero register.
var crcTable = makeCRCTable()

// crcUpdate folds one byte into the running CRC. This is the AVR-style
// CCITT update (reflected 0x8408), which is what the board firmware runs.
func crcUpdate(crc uint16, b byte) uint16 {
	v := b ^ byte(crc)
	v ^= v << 4
	result := uint16(v)<<8 | crc>>8
	result ^= uint16(v >> 4)
	result ^= uint16(v) << 3
	return result
}

func makeCRCTable() [256]uint16 {
	var table [256]uint16
	for i := range table {
		table[i] = crcUpdate(0, byte(i))
	}
	return table
}

// CalculateCRC computes the KBSP CRC16 of data.
func CalculateCRC(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc>>8 ^ crcTable[byte(crc)^b]
	}
	return crc
}
