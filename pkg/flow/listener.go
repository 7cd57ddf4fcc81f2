// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flow

// Listener receives flow lifecycle events. Calls are synchronous on the
// goroutine that caused the event, while the manager lock is held, so a
// listener must not call back into the Manager.
type Listener interface {
	OnFlowStart(Snapshot)
	OnFlowUpdate(Snapshot)
	OnFlowEnd(Snapshot)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are
// skipped.
type ListenerFuncs struct {
	Start  func(Snapshot)
	Update func(Snapshot)
	End    func(Snapshot)
}

func (l ListenerFuncs) OnFlowStart(s Snapshot) {
	if l.Start != nil {
		l.Start(s)
	}
}

func (l ListenerFuncs) OnFlowUpdate(s Snapshot) {
	if l.Update != nil {
		l.Update(s)
	}
}

func (l ListenerFuncs) OnFlowEnd(s Snapshot) {
	if l.End != nil {
		l.End(s)
	}
}

type listenerEntry struct {
	id       int
	listener Listener
}

type eventKind int

const (
	eventStart eventKind = iota
	eventUpdate
	eventEnd
)

// publish must be called with m.mu held.
func (m *Manager) publish(kind eventKind, f *Flow) {
	if len(m.listeners) == 0 {
		return
	}
	snap := f.Snapshot()
	for _, e := range m.listeners {
		switch kind {
		case eventStart:
			e.listener.OnFlowStart(snap)
		case eventUpdate:
			e.listener.OnFlowUpdate(snap)
		case eventEnd:
			e.listener.OnFlowEnd(snap)
		}
	}
}

// AddListener subscribes l to flow events and returns a function that
// unsubscribes it.
func (m *Manager) AddListener(l Listener) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextListenerID++
	id := m.nextListenerID
	m.listeners = append(m.listeners, listenerEntry{id: id, listener: l})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}
