package boson

import (
	"container/heap"
	"runtime"
	"time"
	"unsafe"

	"github.com/agilira/go-timecache"

	"github.com/duanxifeng/boson/internal/lcrq"
	"github.com/duanxifeng/boson/internal/slotvec"
)

// commandKind discriminates the commands a scheduler's inbox carries,
// per spec §4.5 item 1: "{finish, schedule_routine,
// schedule_waiting_routine, fd_panic}".
type commandKind uint8

const (
	cmdFinish commandKind = iota
	cmdScheduleRoutine
	cmdScheduleWaitingRoutine
	cmdFDPanic
)

// command is the payload type pushed through a scheduler's LCRQ inbox.
type command struct {
	kind     commandKind
	routine  *Routine
	sem      *Semaphore
	roundSeq uint64
	fd       int
}

// timerEntry is one entry of a scheduler's timer min-heap.
type timerEntry struct {
	deadline time.Time
	routine  *Routine
	descIdx  int
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// fdWaiter is the opaque data a scheduler binds to a poller registration
// so that Scheduler.OnReadReady/OnWriteReady/OnFDPanic can find the
// waiting routine and its descriptor index.
type fdWaiter struct {
	routine *Routine
	descIdx int
}

// Scheduler is a per-OS-thread cooperative scheduler, per spec §3/§4.5.
// It owns a FIFO ready queue, a timer min-heap, an fd->routine index, an
// inbox onto the engine's command transport, and an event poller.
type Scheduler struct {
	idx    int
	engine *Engine
	poller *Poller
	inbox  *lcrq.Queue
	wakeID EventID

	ready     *slotvec.Vector[*Routine]
	timers    timerHeap
	fdReaders map[int]fdWaiter
	fdWriters map[int]fdWaiter

	state *FastState

	logger         Logger
	metrics        *Metrics
	resumeRate     *ResumeRateCounter
	maxIterPerTick int

	done chan struct{}

	now *timecache.TimeCache
}

func newScheduler(idx int, e *Engine) (*Scheduler, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		idx:            idx,
		engine:         e,
		poller:         poller,
		inbox:          lcrq.New(),
		ready:          slotvec.New[*Routine](64),
		fdReaders:      make(map[int]fdWaiter),
		fdWriters:      make(map[int]fdWaiter),
		state:          NewFastState(),
		logger:         e.opts.logger,
		maxIterPerTick: e.opts.maxIterPerTick,
		done:           make(chan struct{}),
		now:            timecache.NewWithResolution(time.Millisecond),
	}
	if e.opts.metricsEnabled {
		s.metrics = &Metrics{}
		s.resumeRate = NewResumeRateCounter(10*time.Second, 100*time.Millisecond)
	}
	id, err := poller.RegisterEvent(nil)
	if err != nil {
		_ = poller.Close()
		return nil, err
	}
	s.wakeID = id
	return s, nil
}

// pushCommand enqueues cmd and wakes the scheduler's poller so it
// notices the new inbox entry even while blocked in poller.Loop.
func (s *Scheduler) pushCommand(c *command) {
	s.inbox.Push(unsafe.Pointer(c))
	_ = s.poller.SendEvent(s.wakeID)
}

// enqueueReady appends r to the tail of the ready queue.
func (s *Scheduler) enqueueReady(r *Routine) {
	s.ready.Write(r)
}

// run is the scheduler's main loop (spec §4.5), executed on a pinned OS
// thread. It returns once a finish command has been processed and every
// queue has drained.
func (s *Scheduler) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	s.state.Store(StateRunning)

	finishing := false
	for {
		inboxDrained := s.drainInbox(&finishing)
		s.fireExpiredTimers()
		dispatched := s.drainReady()

		if s.metrics != nil {
			logSchedulerTick(s.logger, s.idx, dispatched, inboxDrained)
			s.metrics.Queue.UpdateReady(s.ready.Len())
			s.metrics.Queue.UpdateInbox(inboxDrained)
			s.metrics.Queue.UpdateWaiting(len(s.fdReaders) + len(s.fdWriters) + len(s.timers))
			s.metrics.mu.Lock()
			s.metrics.ResumeRate = s.resumeRate.Rate()
			s.metrics.mu.Unlock()
		}

		if finishing && s.ready.Len() == 0 && len(s.fdReaders) == 0 && len(s.fdWriters) == 0 && len(s.timers) == 0 {
			s.state.Store(StateTerminated)
			_ = s.poller.Close()
			return
		}

		timeoutMs := s.computeTimeout()
		s.state.Store(StateSleeping)
		reason, err := s.poller.Loop(s, s.maxIterPerTick, timeoutMs)
		s.state.Store(StateRunning)
		if err != nil {
			logPollerError(s.logger, s.idx, err)
		}
		_ = reason
	}
}

// drainInbox pops and handles every command currently queued, setting
// *finishing if a cmdFinish was observed. Returns the number handled.
func (s *Scheduler) drainInbox(finishing *bool) int {
	n := 0
	for {
		v, ok := s.inbox.Pop()
		if !ok {
			break
		}
		cmd := (*command)(v)
		s.handleCommand(cmd, finishing)
		n++
	}
	return n
}

func (s *Scheduler) handleCommand(cmd *command, finishing *bool) {
	switch cmd.kind {
	case cmdFinish:
		*finishing = true

	case cmdScheduleRoutine:
		s.enqueueReady(cmd.routine)

	case cmdScheduleWaitingRoutine:
		r := cmd.routine
		if r.status != RoutineWaitingEvents || r.roundSeq != cmd.roundSeq {
			// Stale wakeup: the routine already left this wait round
			// through another descriptor. The semaphore's counter was
			// already decremented on the waiter's behalf, so the slot
			// must be handed forward to preserve the conservation
			// invariant (spec §4.7) instead of being silently dropped.
			cmd.sem.Post()
			return
		}
		idx := -1
		for i, d := range r.pending {
			if d.kind == eventSemaphoreWait && d.sem == cmd.sem {
				idx = i
				break
			}
		}
		if idx < 0 {
			cmd.sem.Post()
			return
		}
		s.fireDescriptor(r, idx, RoutineWaitingEvents)

	case cmdFDPanic:
		s.handleFDPanic(cmd.fd)
	}
}

// fireExpiredTimers pops every timer whose deadline has passed and
// transitions its routine out of waiting_events.
func (s *Scheduler) fireExpiredTimers() {
	now := s.now.CachedTime()
	for len(s.timers) > 0 && !s.timers[0].deadline.After(now) {
		e := heap.Pop(&s.timers).(*timerEntry)
		if e.routine.status != RoutineWaitingEvents {
			continue
		}
		s.fireDescriptor(e.routine, e.descIdx, RoutineTimedOut)
	}
}

// fireDescriptor marks descriptor idx of r as the one that fired,
// withdraws every other pending descriptor, and re-enqueues r onto the
// ready queue (spec §4.5 item 4, §4.4's waiting_events -> yielding
// transition).
func (s *Scheduler) fireDescriptor(r *Routine, idx int, previous RoutineStatus) {
	s.withdrawOthers(r, idx)
	r.happened = idx
	r.previousStatus = previous
	r.status = RoutineYielding
	s.enqueueReady(r)
}

func (s *Scheduler) withdrawOthers(r *Routine, firedIdx int) {
	for i := range r.pending {
		if i == firedIdx {
			continue
		}
		d := &r.pending[i]
		switch d.kind {
		case eventTimer:
			if d.timerTok != nil && d.timerTok.index >= 0 {
				heap.Remove(&s.timers, d.timerTok.index)
				d.timerTok = nil
			}
		case eventIORead:
			_ = s.poller.CancelFD(d.fd)
			delete(s.fdReaders, d.fd)
		case eventIOWrite:
			_ = s.poller.CancelFD(d.fd)
			delete(s.fdWriters, d.fd)
		case eventSemaphoreWait:
			// No removal primitive exists for the semaphore's LCRQ
			// waiter queue (spec §4.1 never exposes one); the stale
			// waiter record is handled when it eventually surfaces,
			// see handleCommand's cmdScheduleWaitingRoutine branch.
		}
	}
}

// drainReady resumes every routine currently on the ready queue,
// dispatching it according to spec §4.5 item 2. Returns the number of
// routines resumed.
func (s *Scheduler) drainReady() int {
	n := 0
	for {
		idx, r, ok := s.ready.Head()
		if !ok {
			break
		}
		s.ready.Free(idx)

		start := s.now.CachedTime()
		logRoutineResumed(s.logger, s.idx, r.id, r.status)
		status := r.resume()
		if s.metrics != nil {
			s.metrics.Latency.Record(s.now.CachedTime().Sub(start))
			s.resumeRate.Increment()
		}
		n++

		switch status {
		case RoutineYielding:
			s.enqueueReady(r)
		case RoutineWaitingEvents:
			s.registerWait(r)
		case RoutineFinished:
			logRoutineFinished(s.logger, s.idx, r.id, r.panicValue != nil)
			s.engine.routineFinished()
		default:
			invariantViolation("routine %d resumed into unexpected status %s", r.id, status)
		}
	}
	return n
}

// registerWait arms every descriptor of r's current wait round with the
// appropriate registry: the poller for fd interest, the timer heap for
// deadlines, or the semaphore's waiter queue (spec §4.5 item 2).
func (s *Scheduler) registerWait(r *Routine) {
	for i := range r.pending {
		d := &r.pending[i]
		switch d.kind {
		case eventTimer:
			e := &timerEntry{deadline: d.deadline, routine: r, descIdx: i}
			heap.Push(&s.timers, e)
			d.timerTok = e
		case eventIORead:
			data := fdWaiter{routine: r, descIdx: i}
			s.fdReaders[d.fd] = data
			if err := s.poller.RequestRead(d.fd, data); err != nil {
				s.fireDescriptor(r, i, RoutineWaitingEvents)
			}
		case eventIOWrite:
			data := fdWaiter{routine: r, descIdx: i}
			s.fdWriters[d.fd] = data
			if err := s.poller.RequestWrite(d.fd, data); err != nil {
				s.fireDescriptor(r, i, RoutineWaitingEvents)
			}
		case eventSemaphoreWait:
			d.sem.publishWaiter(r, r.roundSeq)
		}
	}
}

func (s *Scheduler) handleFDPanic(fd int) {
	if w, ok := s.fdReaders[fd]; ok {
		delete(s.fdReaders, fd)
		s.fireDescriptor(w.routine, w.descIdx, RoutineYielding)
		logFDPanic(s.logger, s.idx, fd)
	}
	if w, ok := s.fdWriters[fd]; ok {
		delete(s.fdWriters, fd)
		s.fireDescriptor(w.routine, w.descIdx, RoutineYielding)
		logFDPanic(s.logger, s.idx, fd)
	}
}

// computeTimeout returns the number of milliseconds until the next
// timer deadline, or -1 to block indefinitely (spec §4.5 item 3).
func (s *Scheduler) computeTimeout() int {
	if len(s.timers) == 0 {
		return -1
	}
	delay := s.timers[0].deadline.Sub(s.now.CachedTime())
	if delay <= 0 {
		return 0
	}
	if ms := delay.Milliseconds(); ms > 0 {
		return int(ms)
	}
	return 1
}

// --- Poller Handler implementation ---

func (s *Scheduler) OnEvent(id EventID, data any) {
	// The wake event itself carries no data; it exists purely to break
	// out of a blocking poller.Loop call when the inbox gains work or a
	// cross-thread command arrives.
}

func (s *Scheduler) OnReadReady(fd int, data any) {
	w := data.(fdWaiter)
	delete(s.fdReaders, fd)
	if w.routine.status == RoutineWaitingEvents {
		s.fireDescriptor(w.routine, w.descIdx, RoutineWaitingEvents)
	}
}

func (s *Scheduler) OnWriteReady(fd int, data any) {
	w := data.(fdWaiter)
	delete(s.fdWriters, fd)
	if w.routine.status == RoutineWaitingEvents {
		s.fireDescriptor(w.routine, w.descIdx, RoutineWaitingEvents)
	}
}

func (s *Scheduler) OnFDPanic(fd int, data any) {
	s.handleFDPanic(fd)
}

// Metrics returns a point-in-time snapshot of this scheduler's metrics.
// The snapshot shares no locks with the live counters, so it remains
// safe to read after the call returns. Returns the zero Metrics if the
// engine was not built with WithMetrics(true).
func (s *Scheduler) Metrics() Metrics {
	if s.metrics == nil {
		return Metrics{}
	}

	s.metrics.Latency.Sample()
	s.metrics.Latency.mu.RLock()
	latency := LatencyMetrics{
		P50: s.metrics.Latency.P50, P90: s.metrics.Latency.P90,
		P95: s.metrics.Latency.P95, P99: s.metrics.Latency.P99,
		Max: s.metrics.Latency.Max, Mean: s.metrics.Latency.Mean, Sum: s.metrics.Latency.Sum,
	}
	s.metrics.Latency.mu.RUnlock()

	s.metrics.Queue.mu.RLock()
	queue := QueueMetrics{
		InboxCurrent: s.metrics.Queue.InboxCurrent, ReadyCurrent: s.metrics.Queue.ReadyCurrent, WaitingCurrent: s.metrics.Queue.WaitingCurrent,
		InboxMax: s.metrics.Queue.InboxMax, ReadyMax: s.metrics.Queue.ReadyMax, WaitingMax: s.metrics.Queue.WaitingMax,
		InboxAvg: s.metrics.Queue.InboxAvg, ReadyAvg: s.metrics.Queue.ReadyAvg, WaitingAvg: s.metrics.Queue.WaitingAvg,
	}
	s.metrics.Queue.mu.RUnlock()

	s.metrics.mu.Lock()
	rate := s.metrics.ResumeRate
	s.metrics.mu.Unlock()

	return Metrics{Latency: latency, Queue: queue, ResumeRate: rate}
}
