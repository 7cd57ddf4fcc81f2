// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kegboard

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/Thermoquad/kegstat/pkg/kbsp"
)

// hostPort is the host side of a fakeBoard.
type hostPort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *hostPort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *hostPort) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *hostPort) Close() error {
	return errors.Join(p.r.Close(), p.w.Close())
}

// fakeBoard answers Ping with a Hello and records every command it
// receives.
type fakeBoard struct {
	t      *testing.T
	port   *hostPort
	boardR *io.PipeReader
	boardW *io.PipeWriter

	mu       sync.Mutex
	hello    *kbsp.Message
	commands []*kbsp.Message
	received chan *kbsp.Message
}

func newFakeBoard(t *testing.T, hello *kbsp.Message) *fakeBoard {
	t.Helper()
	hostR, boardW := io.Pipe()
	boardR, hostW := io.Pipe()

	b := &fakeBoard{
		t:        t,
		port:     &hostPort{r: hostR, w: hostW},
		boardR:   boardR,
		boardW:   boardW,
		hello:    hello,
		received: make(chan *kbsp.Message, 64),
	}
	go b.loop()
	t.Cleanup(b.unplug)
	return b
}

func (b *fakeBoard) loop() {
	dec := kbsp.NewDecoder()
	buf := make([]byte, 64)
	for {
		n, err := b.boardR.Read(buf)
		if err != nil {
			return
		}
		if err := dec.AddBytes(buf[:n]); err != nil {
			return
		}
		for {
			m, err := dec.GetMessage()
			if err != nil {
				continue
			}
			if m == nil {
				break
			}
			b.mu.Lock()
			b.commands = append(b.commands, m)
			hello := b.hello
			b.mu.Unlock()

			select {
			case b.received <- m:
			default:
			}
			if m.Type() == kbsp.MsgPing && hello != nil {
				if _, err := b.boardW.Write(kbsp.MustEncode(hello)); err != nil {
					return
				}
			}
		}
	}
}

// send writes a message from the board to the host.
func (b *fakeBoard) send(m *kbsp.Message) {
	b.t.Helper()
	if _, err := b.boardW.Write(kbsp.MustEncode(m)); err != nil {
		b.t.Errorf("board send: %v", err)
	}
}

// sendBatch writes several messages from the board in a single write.
func (b *fakeBoard) sendBatch(messages ...*kbsp.Message) {
	b.t.Helper()
	var frames []byte
	for _, m := range messages {
		frames = append(frames, kbsp.MustEncode(m)...)
	}
	if _, err := b.boardW.Write(frames); err != nil {
		b.t.Errorf("board send: %v", err)
	}
}

// unplug breaks both directions, as a yanked USB cable would.
func (b *fakeBoard) unplug() {
	_ = b.boardW.CloseWithError(io.ErrUnexpectedEOF)
	_ = b.boardR.Close()
}

func (b *fakeBoard) commandsOfType(msgType uint16) []*kbsp.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*kbsp.Message
	for _, m := range b.commands {
		if m.Type() == msgType {
			out = append(out, m)
		}
	}
	return out
}
