// Package regs stores time-versioned register values per thread and frame.
package regs

import (
	"sync"

	"tracecode/internal/events"
	"tracecode/internal/platform"
	"tracecode/trace"
)

type valueWrite struct {
	snap trace.Snap
	data []byte
}

type bankKey struct {
	thread int64
	frame  int
	reg    string
}

// Manager holds register values for one trace, serialised by the trace
// lock.
type Manager struct {
	lock  *sync.RWMutex
	bus   *events.Broadcaster
	banks map[bankKey][]valueWrite
}

// NewManager creates a register manager sharing the trace lock and bus.
func NewManager(lock *sync.RWMutex, bus *events.Broadcaster) *Manager {
	return &Manager{lock: lock, bus: bus, banks: make(map[bankKey][]valueWrite)}
}

// SetValue records a register value at a snap and fires a
// register-bytes-changed record covering the register's range.
func (m *Manager) SetValue(threadKey int64, frame int, reg *platform.Register,
	snap trace.Snap, data []byte) {
	key := bankKey{thread: threadKey, frame: frame, reg: reg.Name}
	m.lock.Lock()
	m.banks[key] = append(m.banks[key], valueWrite{snap: snap, data: append([]byte(nil), data...)})
	m.lock.Unlock()

	m.bus.Fire(events.Record{
		Kind:      events.RegisterBytesChanged,
		Snap:      snap,
		Range:     reg.Range(),
		ThreadKey: threadKey,
		Frame:     frame,
	})
}

// Value returns the most recent value of the register at or before snap.
func (m *Manager) Value(threadKey int64, frame int, reg *platform.Register,
	snap trace.Snap) ([]byte, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	writes := m.banks[bankKey{thread: threadKey, frame: frame, reg: reg.Name}]
	var best *valueWrite
	for i := range writes {
		w := &writes[i]
		if w.snap > snap {
			continue
		}
		// Later writes win ties at the same snap.
		if best == nil || w.snap >= best.snap {
			best = w
		}
	}
	if best == nil {
		return nil, false
	}
	return best.data, true
}
