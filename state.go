package boson

import (
	"sync/atomic"
)

// RoutineStatus is the state machine of a single Routine, per spec §3/§4.4:
//
//	new ── resume ──► running
//	running ── yield ──► yielding
//	running ── commit_event_round ──► waiting_events
//	waiting_events ── first event fires ──► yielding
//	waiting_events ── all deadlines expired ──► timed_out ── (then) ──► yielding
//	yielding ── resume ──► running
//	running ── function returns ──► finished (terminal)
type RoutineStatus uint32

const (
	RoutineNew RoutineStatus = iota
	RoutineRunning
	RoutineYielding
	RoutineWaitingEvents
	RoutineTimedOut
	RoutineFinished
)

func (s RoutineStatus) String() string {
	switch s {
	case RoutineNew:
		return "new"
	case RoutineRunning:
		return "running"
	case RoutineYielding:
		return "yielding"
	case RoutineWaitingEvents:
		return "waiting_events"
	case RoutineTimedOut:
		return "timed_out"
	case RoutineFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// SchedulerState is the lifecycle state of one thread scheduler's main
// loop.
//
//	Awake (created, not yet running its loop)
//	  └─ run() ─► Running
//	Running ── about to block in poller.Loop ──► Sleeping
//	Sleeping ── woken ──► Running
//	Running ── finish observed and every queue drained ──► Terminated (terminal)
//
// StateTerminating is defined but the scheduler loop never enters it.
//
// Values are intentionally ordered to mirror the teacher's LoopState
// (Terminated=1, Sleeping=2) since the transition shape is the same one
// the teacher's event loop uses for its own run/poll/shutdown cycle.
type SchedulerState uint64

const (
	StateAwake SchedulerState = iota
	StateTerminated
	StateSleeping
	StateRunning
	StateTerminating
)

func (s SchedulerState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// FastState is a lock-free state machine for a scheduler's lifecycle,
// using pure CAS with no mutex.
type FastState struct {
	v atomic.Uint64
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() SchedulerState {
	return SchedulerState(s.v.Load())
}

// Store atomically stores a new state, bypassing transition validation.
// The scheduler loop uses it for every one of its transitions.
func (s *FastState) Store(state SchedulerState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically move from one state to another.
func (s *FastState) TryTransition(from, to SchedulerState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts to transition from any of validFrom to to.
func (s *FastState) TransitionAny(validFrom []SchedulerState, to SchedulerState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the scheduler has fully shut down.
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// IsRunning reports whether the scheduler's OS thread is alive and
// actively driving its loop (running or blocked polling).
func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}
