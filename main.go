// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Kegstat - Kegboard flow controller and KBSP analyzer
//
// A CLI tool for decoding the Kegboard serial protocol, tracking pours on
// taps, and driving tap relays.

package main

import (
	"os"

	"github.com/Thermoquad/kegstat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
