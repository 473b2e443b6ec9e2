package boson

import (
	"sync"
	"sync/atomic"
)

// Engine owns a fixed pool of Schedulers, one per OS thread, and is the
// entry point for spawning routines (spec §4.6). It mirrors the
// constructor/destructor shape of the original engine: start every
// scheduler up front, and on Close broadcast a finish command and join
// every scheduler's goroutine.
type Engine struct {
	opts *engineOptions

	schedulers    []*Scheduler
	nextSched     atomic.Uint64
	nextRoutineID atomic.Uint64
	running       atomic.Int64

	wg sync.WaitGroup

	closeOnce sync.Once
}

// NewEngine constructs an Engine with the given number of scheduler
// threads (cores) and starts them immediately, per the original
// engine's constructor (original_source/src/engine.cc): "start all
// threads directly."
func NewEngine(cores int, opts ...EngineOption) (*Engine, error) {
	if cores <= 0 {
		cores = 1
	}
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}
	e := &Engine{opts: cfg}
	e.schedulers = make([]*Scheduler, cores)
	for i := 0; i < cores; i++ {
		s, err := newScheduler(i, e)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = e.schedulers[j].poller.Close()
			}
			return nil, err
		}
		e.schedulers[i] = s
	}
	e.wg.Add(cores)
	for _, s := range e.schedulers {
		s := s
		go func() {
			defer e.wg.Done()
			s.run()
		}()
	}
	return e, nil
}

// Cores returns the number of scheduler threads this engine runs.
func (e *Engine) Cores() int {
	return len(e.schedulers)
}

// Scheduler returns the scheduler at index idx, for metrics inspection
// (see Metrics in metrics.go) or tests that need to assert placement.
func (e *Engine) Scheduler(idx int) *Scheduler {
	return e.schedulers[idx]
}

// Start spawns a new routine running fn, assigning it to one of the
// engine's schedulers round-robin (spec §4.6: "spawn a new routine on
// the current engine"). Safe to call from outside any routine (e.g.
// engine setup) as well as from within one, matching the original's
// any-thread command-push design.
func (e *Engine) Start(fn func()) *Routine {
	idx := int(e.nextSched.Add(1)-1) % len(e.schedulers)
	sched := e.schedulers[idx]
	id := e.nextRoutineID.Add(1)
	r := newRoutine(id, sched, fn)
	e.running.Add(1)
	sched.pushCommand(&command{kind: cmdScheduleRoutine, routine: r})
	return r
}

// Start spawns fn as a new routine on the current routine's engine,
// round-robin across its schedulers (spec §6: "start(f, args...): spawn
// a new routine on the current engine"). It resolves the engine through
// the calling routine's scheduler back-reference, so it works several
// calls deep with no closure-captured *Engine in scope — the fan-out
// shape SUPPLEMENTED FEATURES #5 requires. Panics if called outside a
// routine; use (*Engine).Start from setup code that has no routine yet.
func Start(fn func()) *Routine {
	sched := currentScheduler()
	if sched == nil {
		invariantViolation("start called outside routine context")
	}
	return sched.engine.Start(fn)
}

// routineFinished is called by a scheduler once a routine it resumed
// reached RoutineFinished. When the last live routine across the whole
// engine finishes, a finish command is broadcast to every scheduler
// (original_source/src/engine.cc's "post finish to all threads" logic,
// here triggered automatically rather than only from the destructor).
func (e *Engine) routineFinished() {
	if e.running.Add(-1) == 0 {
		e.broadcastFinish()
	}
}

// broadcastFinish pushes a finish command to every scheduler.
func (e *Engine) broadcastFinish() {
	for _, s := range e.schedulers {
		s.pushCommand(&command{kind: cmdFinish})
	}
}

// Close requests every scheduler finish as soon as its queues drain and
// blocks until all of their goroutines have returned, mirroring the
// original engine's destructor.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		logEngineShutdown(e.opts.logger, e.Cores(), "begin")
		e.broadcastFinish()
	})
	e.wg.Wait()
	logEngineShutdown(e.opts.logger, e.Cores(), "complete")
}

// Run starts fn as the engine's first routine and blocks until every
// routine it (transitively) spawns has finished, then closes the
// engine. This is the convenience entry point named in spec §6's
// external interface.
func Run(cores int, fn func(), opts ...EngineOption) error {
	e, err := NewEngine(cores, opts...)
	if err != nil {
		return err
	}
	e.Start(fn)
	e.wg.Wait()
	return nil
}
