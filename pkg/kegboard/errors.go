// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kegboard

import "errors"

var (
	// ErrDeviceIO wraps every transport failure. It ends the board's session.
	ErrDeviceIO = errors.New("kegboard: device I/O error")
	// ErrInvalidOutput is returned for output ids or names that do not map
	// to a relay.
	ErrInvalidOutput = errors.New("kegboard: invalid output")

	ErrUnresponsive      = errors.New("kegboard: board did not answer ping")
	ErrNeedUpdate        = errors.New("kegboard: firmware too old")
	ErrNameConflict      = errors.New("kegboard: board name already attached")
	ErrUnknownController = errors.New("kegboard: no such board")
)
