package boson

import "sync/atomic"

// Channel is a bounded, ordered, multi-producer/multi-consumer ring
// buffer of capacity N, per spec §3/§4.8. A Channel value is itself the
// shared handle: copying a *Channel[T] (as opposed to copying the
// struct) shares the same underlying ring, matching the spec's
// reference-counted-by-the-Go-GC ownership model (§9's "pass by value
// bumps the refcount" — here, Go's garbage collector retires the ring
// once the last *Channel[T] handle and the last blocked routine's
// descriptor both drop it).
type Channel[T any] struct {
	buf  []T
	head atomic.Uint64
	tail atomic.Uint64

	writerSlots *Semaphore
	readerSlots *Semaphore

	closed atomic.Bool
}

// NewChannel constructs a Channel with the given capacity (capacities
// below 1 are clamped to 1, so a zero-value request still behaves as a
// rendezvous channel).
func NewChannel[T any](capacity int) *Channel[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel[T]{
		buf:         make([]T, capacity),
		writerSlots: NewSemaphore(capacity),
		readerSlots: NewSemaphore(0),
	}
}

// Write blocks until a slot is free (or timeoutMs elapses, or the
// channel is closed), then publishes v. Returns false on timeout or if
// the channel is or becomes closed.
func (c *Channel[T]) Write(v T, timeoutMs int) bool {
	if c.closed.Load() {
		return false
	}
	if !c.writerSlots.Wait(timeoutMs) {
		return false
	}
	if c.closed.Load() {
		c.writerSlots.Post()
		return false
	}
	pos := c.head.Add(1) - 1
	c.buf[pos%uint64(len(c.buf))] = v
	c.readerSlots.Post()
	return true
}

// Read blocks until a value is available (or timeoutMs elapses, or the
// channel is closed with nothing left to drain), then returns it.
// Returns the zero value and false on timeout or closed-and-empty. A Read
// already blocked behind another reader when Close runs stays parked
// (see Close).
func (c *Channel[T]) Read(timeoutMs int) (T, bool) {
	var zero T
	if c.closed.Load() && c.tail.Load() >= c.head.Load() {
		return zero, false
	}
	if !c.readerSlots.Wait(timeoutMs) {
		return zero, false
	}
	pos := c.tail.Add(1) - 1
	if pos >= c.head.Load() {
		// This slot was never produced by a Write; it was Close's
		// synthetic post waking us up with nothing left to drain.
		return zero, false
	}
	v := c.buf[pos%uint64(len(c.buf))]
	c.writerSlots.Post()
	return v, true
}

// Close marks the channel closed: every Write from this point on fails
// immediately, a Read on the empty closed channel returns false, and
// each inner semaphore is posted once, which releases at most one
// routine blocked in Read and one blocked in Write to re-check the
// closed flag; other routines already parked there stay parked until a
// later post reaches them. A second Close does nothing (spec §9's open question on
// representing "closed" — resolved here as an explicit flag rather
// than a three-valued result, since the rest of the API already
// reports failure via a bool).
func (c *Channel[T]) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.writerSlots.Post()
	c.readerSlots.Post()
}

// Closed reports whether Close has been called.
func (c *Channel[T]) Closed() bool {
	return c.closed.Load()
}
