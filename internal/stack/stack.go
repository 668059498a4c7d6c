// Package stack stores recorded call stacks per thread and snap.
package stack

import (
	"sync"

	"tracecode/internal/events"
	"tracecode/trace"
)

type pcWrite struct {
	snap trace.Snap
	pc   trace.Address
}

// Frame is one level of a recorded call stack. The program counter is
// versioned by snap, since later observations can refine it.
type Frame struct {
	Level int
	pcs   []pcWrite
}

// PC returns the frame's most recent program counter at or before snap.
func (f *Frame) PC(snap trace.Snap) (trace.Address, bool) {
	var best *pcWrite
	for i := range f.pcs {
		w := &f.pcs[i]
		if w.snap > snap {
			continue
		}
		if best == nil || w.snap >= best.snap {
			best = w
		}
	}
	if best == nil {
		return 0, false
	}
	return best.pc, true
}

// Stack is a recorded call stack for one thread at one snap.
type Stack struct {
	ThreadKey int64
	Snap      trace.Snap
	frames    []*Frame
}

// Frame returns the frame at the given level, or nil.
func (s *Stack) Frame(level int) *Frame {
	if level < 0 || level >= len(s.frames) {
		return nil
	}
	return s.frames[level]
}

// Depth returns the number of frames.
func (s *Stack) Depth() int { return len(s.frames) }

// Manager holds recorded stacks for one trace, serialised by the trace
// lock.
type Manager struct {
	lock     *sync.RWMutex
	bus      *events.Broadcaster
	byThread map[int64][]*Stack
}

// NewManager creates a stack manager sharing the trace lock and bus.
func NewManager(lock *sync.RWMutex, bus *events.Broadcaster) *Manager {
	return &Manager{lock: lock, bus: bus, byThread: make(map[int64][]*Stack)}
}

// Record stores a stack for a thread at a snap, with the given frame
// program counters ordered innermost first, and fires a stack-changed
// record.
func (m *Manager) Record(threadKey int64, snap trace.Snap, framePCs []trace.Address) *Stack {
	s := &Stack{ThreadKey: threadKey, Snap: snap}
	for level, pc := range framePCs {
		s.frames = append(s.frames, &Frame{
			Level: level,
			pcs:   []pcWrite{{snap: snap, pc: pc}},
		})
	}
	m.lock.Lock()
	m.byThread[threadKey] = append(m.byThread[threadKey], s)
	m.lock.Unlock()

	m.bus.Fire(events.Record{
		Kind:      events.StackChanged,
		Snap:      snap,
		ThreadKey: threadKey,
	})
	return s
}

// Latest returns the thread's most recent stack at or before snap, or nil.
func (m *Manager) Latest(threadKey int64, snap trace.Snap) *Stack {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var best *Stack
	for _, s := range m.byThread[threadKey] {
		if s.Snap > snap {
			continue
		}
		if best == nil || s.Snap >= best.Snap {
			best = s
		}
	}
	return best
}
