package boson

import "time"

// SelectEvent is one arm of a SelectAny call, constructed by one of the
// Event* functions below (spec §4.9).
type SelectEvent struct {
	kind     eventKind
	fd       int
	deadline time.Time
	sem      *Semaphore
	complete func()
	handler  func(ok bool)
}

// EventRead declares a channel-read arm: if selected, *out is populated
// before handler is invoked.
func EventRead[T any](c *Channel[T], out *T, handler func(ok bool)) SelectEvent {
	return SelectEvent{
		kind: eventSemaphoreWait,
		sem:  c.readerSlots,
		complete: func() {
			pos := c.tail.Add(1) - 1
			if pos >= c.head.Load() {
				// Close's synthetic post, not a real item; leave *out
				// untouched and let the caller's ok==false handling run.
				return
			}
			*out = c.buf[pos%uint64(len(c.buf))]
			c.writerSlots.Post()
		},
		handler: handler,
	}
}

// EventWrite declares a channel-write arm: if selected, v is published
// before handler is invoked.
func EventWrite[T any](c *Channel[T], v T, handler func(ok bool)) SelectEvent {
	return SelectEvent{
		kind: eventSemaphoreWait,
		sem:  c.writerSlots,
		complete: func() {
			pos := c.head.Add(1) - 1
			c.buf[pos%uint64(len(c.buf))] = v
			c.readerSlots.Post()
		},
		handler: handler,
	}
}

// EventTimer declares a deadline arm.
func EventTimer(deadline time.Time, handler func(ok bool)) SelectEvent {
	return SelectEvent{kind: eventTimer, deadline: deadline, handler: handler}
}

// EventIORead declares an fd-readable arm.
func EventIORead(fd int, handler func(ok bool)) SelectEvent {
	return SelectEvent{kind: eventIORead, fd: fd, handler: handler}
}

// EventIOWrite declares an fd-writable arm.
func EventIOWrite(fd int, handler func(ok bool)) SelectEvent {
	return SelectEvent{kind: eventIOWrite, fd: fd, handler: handler}
}

// SelectAny waits for exactly one of events to fire and invokes its
// handler, per spec §4.9. Declaration order breaks ties: channel/
// semaphore arms are first tried non-blocking in the order given, and
// the first that can proceed immediately wins without starting a wait
// round at all (scenario seed 4: "two channels both already readable
// ... invokes the a-handler").
func SelectAny(events ...SelectEvent) {
	r := CurrentRoutine()
	if r == nil {
		invariantViolation("select_any called outside routine context")
	}

	for i := range events {
		e := &events[i]
		if e.kind != eventSemaphoreWait {
			continue
		}
		if e.sem.counter.Add(-1) >= 0 {
			if e.complete != nil {
				e.complete()
			}
			if e.handler != nil {
				e.handler(true)
			}
			return
		}
		// Not actually available: undo the speculative decrement before
		// trying the next arm. Restore the counter directly rather than
		// through Post() — Post() treats a negative pre-increment value
		// as "a waiter is queued" and calls popWaiter, but no waiter was
		// ever published for this arm (that only happens via
		// Scheduler.registerWait during a real wait round), so that
		// would livelock popWaiter spinning for a record that will never
		// arrive.
		e.sem.counter.Add(1)
	}

	r.startEventRound()
	for i := range events {
		e := &events[i]
		switch e.kind {
		case eventTimer:
			r.addTimer(e.deadline)
		case eventIORead:
			r.addRead(e.fd)
		case eventIOWrite:
			r.addWrite(e.fd)
		case eventSemaphoreWait:
			r.addSemaphoreWait(e.sem, e.complete)
		}
	}
	idx := r.commitEventRound()
	if idx < 0 {
		invariantViolation("select_any: no descriptor fired")
	}

	ok := r.previousStatus != RoutineTimedOut
	if h := events[idx].handler; h != nil {
		h(ok)
	}
}
