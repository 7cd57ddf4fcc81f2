// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flow

import "errors"

var (
	// ErrFlowCompleted is returned by every mutator of a completed flow.
	ErrFlowCompleted = errors.New("flow: flow is completed")
	// ErrFlowNotFound is returned when no open flow has the given id.
	ErrFlowNotFound = errors.New("flow: no such open flow")
	// ErrNegativeTicks is returned when a flow is asked to go backwards.
	ErrNegativeTicks = errors.New("flow: negative tick count")

	ErrUnknownTap   = errors.New("flow: unknown tap")
	ErrDuplicateTap = errors.New("flow: tap name already registered")
	ErrMeterInUse   = errors.New("flow: meter already bound to a tap")
)
