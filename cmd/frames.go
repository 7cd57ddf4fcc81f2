// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/Thermoquad/kegstat/pkg/kbsp"
	"github.com/Thermoquad/kegstat/pkg/kegboard"
)

// frameReader reads a connection through a board controller and reports
// every decoder outcome, dropped frames included.
type frameReader struct {
	board  *kegboard.Controller
	handle func(m *kbsp.Message, err error)
}

func newFrameReader(conn Connection) *frameReader {
	r := &frameReader{}
	r.board = kegboard.NewController(conn, connectionName(), kegboard.ControllerConfig{
		FrameHook: func(_ *kegboard.Controller, m *kbsp.Message, err error) {
			if r.handle != nil {
				r.handle(m, err)
			}
		},
	})
	return r
}

// next performs one read and passes every outcome to handle: a message, or
// the error of a dropped frame. Only transport errors are returned.
func (r *frameReader) next(handle func(m *kbsp.Message, err error)) error {
	r.handle = handle
	_, err := r.board.ReadMessages()
	return err
}
