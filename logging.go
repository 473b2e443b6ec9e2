// Structured logging for the boson runtime, built on logiface.
//
// Call sites sit at scheduler tick boundaries, routine lifecycle
// transitions, poller errors, and engine shutdown — the same places the
// teacher's event loop logs timer/microtask/poll lifecycle events.

package boson

import (
	"io"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is a logiface logger backed by stumpy's JSON event encoding.
// The zero value (via NewLogger with no writer configured) is disabled
// and every call on it is a no-op, so it is safe to use as a default.
type Logger = *logiface.Logger[*stumpy.Event]

// NewLogger builds a Logger that writes newline-delimited JSON to w.
// Passing a nil w yields a disabled logger equivalent to NoopLogger().
func NewLogger(w io.Writer) Logger {
	if w == nil {
		return NoopLogger()
	}
	return stumpy.L.New(stumpy.WithStumpy(stumpy.WithWriter(w)))
}

// NoopLogger returns a Logger with no writer configured, so every
// fluent call is disabled and costs no allocation beyond the guard
// check. This is the default used by resolveEngineOptions when the
// caller does not supply WithLogger.
func NoopLogger() Logger {
	return stumpy.L.New()
}

// logSchedulerTick records a scheduler iteration boundary: how many
// routines were dispatched from the ready queue and how many inbox
// commands were drained before the poller was entered.
func logSchedulerTick(l Logger, schedulerID int, dispatched, inboxDrained int) {
	l.Debug().
		Int(`scheduler_id`, schedulerID).
		Int(`dispatched`, dispatched).
		Int(`inbox_drained`, inboxDrained).
		Log(`scheduler tick`)
}

// logRoutineResumed records a routine transitioning into running.
func logRoutineResumed(l Logger, schedulerID int, routineID uint64, from RoutineStatus) {
	l.Trace().
		Int(`scheduler_id`, schedulerID).
		Uint64(`routine_id`, routineID).
		Str(`from`, from.String()).
		Log(`routine resumed`)
}

// logRoutineFinished records a routine reaching its terminal state.
func logRoutineFinished(l Logger, schedulerID int, routineID uint64, panicked bool) {
	b := l.Debug().
		Int(`scheduler_id`, schedulerID).
		Uint64(`routine_id`, routineID)
	if panicked {
		b = b.Bool(`panicked`, true)
	}
	b.Log(`routine finished`)
}

// logPollerError records a poller-surfaced error: a syscall failure
// from the underlying epoll/kqueue wait, not a per-fd panic (those are
// returned to the waiting routine as CodeFDPanic and logged by
// logFDPanic).
func logPollerError(l Logger, schedulerID int, err error) {
	l.Err().
		Err(err).
		Int(`scheduler_id`, schedulerID).
		Log(`poller error`)
}

// logFDPanic records a file descriptor being marked unusable while one
// or more routines were waiting on it.
func logFDPanic(l Logger, schedulerID int, fd int) {
	l.Warning().
		Int(`scheduler_id`, schedulerID).
		Int(`fd`, fd).
		Log(`fd panic`)
}

// logEngineShutdown records the engine beginning or completing a
// coordinated shutdown of all its schedulers.
func logEngineShutdown(l Logger, cores int, phase string) {
	l.Notice().
		Int(`cores`, cores).
		Str(`phase`, phase).
		Log(`engine shutdown`)
}
