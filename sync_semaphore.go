package boson

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/duanxifeng/boson/internal/lcrq"
)

// waiterRecord is the boxed payload pushed through a Semaphore's wait
// queue: {owning_thread, routine_id} per spec §3, expressed here as a
// direct scheduler/routine pair plus the round the routine published it
// under (so a stale pop, raced against the routine leaving the round
// through a different descriptor, can be detected and forwarded rather
// than silently dropped — see Scheduler.handleCommand).
type waiterRecord struct {
	sched    *Scheduler
	routine  *Routine
	roundSeq uint64
}

// Semaphore is a counting semaphore backed by a signed counter and a
// wait-free MPMC queue of waiter records, per spec §3/§4.7.
type Semaphore struct {
	counter atomic.Int64
	waiters *lcrq.Queue
}

// NewSemaphore constructs a Semaphore with the given initial capacity
// (may be zero).
func NewSemaphore(initial int) *Semaphore {
	s := &Semaphore{waiters: lcrq.New()}
	s.counter.Store(int64(initial))
	return s
}

// Wait blocks the calling routine until a unit is available or
// timeoutMs elapses (a negative timeoutMs waits forever), per spec
// §4.7. It must be called from within a routine's function.
//
// The spec's algorithm describes the post-wakeup path as "loop to step
// 1" — redo the fetch_sub. Taken literally that redecrements the
// counter on every wakeup, including ones that already succeeded,
// which drifts the counter away from the §8 conservation invariant
// under contention. This implementation instead treats a non-timeout
// wakeup as a direct grant (the counter was already accounted for by
// the post() that woke it). On timeout it leaves the counter alone: the
// waiter record it published stays queued, and the Post that later pops
// it finds it stale and posts again (Scheduler.handleCommand), which is
// where the abandoned decrement is given back.
func (s *Semaphore) Wait(timeoutMs int) bool {
	if s.counter.Add(-1) >= 0 {
		return true
	}

	r := CurrentRoutine()
	if r == nil {
		invariantViolation("semaphore.Wait would block outside routine context")
	}

	r.startEventRound()
	r.addSemaphoreWait(s, nil)
	if timeoutMs >= 0 {
		r.addTimer(time.Now().Add(time.Duration(timeoutMs) * time.Millisecond))
	}
	r.commitEventRound()

	if r.previousStatus == RoutineTimedOut {
		// We never got the unit. Our waiter record is still queued;
		// the Post that pops it treats it as stale and hands that unit
		// to the next waiter or back to the counter.
		return false
	}
	return true
}

// Post releases one unit, waking a waiting routine if any was queued
// (spec §4.7).
func (s *Semaphore) Post() {
	if s.counter.Add(1)-1 < 0 {
		s.popWaiter()
	}
}

// publishWaiter is called by a scheduler (Scheduler.registerWait) once
// a routine's semaphore_wait descriptor has actually reached
// waiting_events, queuing the waiter record for a future Post to find.
func (s *Semaphore) publishWaiter(r *Routine, roundSeq uint64) {
	rec := &waiterRecord{sched: r.scheduler, routine: r, roundSeq: roundSeq}
	s.waiters.Push(unsafe.Pointer(rec))
}

// popWaiter dequeues one waiter record and forwards a wakeup to its
// owning scheduler. The counter's fetch_add already guaranteed a
// waiter exists or is about to be published (registerWait runs
// strictly before the routine can be resumed again), so a momentary
// empty Pop is a benign race, not a bug; retry until the record shows
// up.
func (s *Semaphore) popWaiter() {
	for {
		v, ok := s.waiters.Pop()
		if ok {
			rec := (*waiterRecord)(v)
			rec.sched.pushCommand(&command{
				kind:     cmdScheduleWaitingRoutine,
				routine:  rec.routine,
				sem:      s,
				roundSeq: rec.roundSeq,
			})
			return
		}
		runtime.Gosched()
	}
}
