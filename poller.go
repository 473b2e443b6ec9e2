// Package boson — event poller.
//
// The concrete implementation lives in poller_linux.go (epoll) and
// poller_darwin.go (kqueue); this file holds the platform-independent
// contract, directly implementing spec §4.3 and the readiness-poller
// collaborator named in §6.
package boson

import "errors"

// Standard poller errors.
var (
	ErrFDOutOfRange        = errors.New("boson: fd out of range")
	ErrFDAlreadyRegistered = errors.New("boson: fd already registered")
	ErrFDNotRegistered     = errors.New("boson: fd not registered")
	ErrPollerClosed        = errors.New("boson: poller closed")
	ErrEventNotRegistered  = errors.New("boson: event id not registered")
)

// EventID identifies a user-wakeable event allocated by RegisterEvent.
type EventID uint64

// PollReason explains why a call to Poller.Loop returned.
type PollReason int

const (
	ReasonTimedOut PollReason = iota
	ReasonMaxIter
	ReasonPanic
)

func (r PollReason) String() string {
	switch r {
	case ReasonTimedOut:
		return "timed_out"
	case ReasonMaxIter:
		return "max_iter_reached"
	case ReasonPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// Handler receives dispatches from a Poller.Loop call. It is implemented
// by the thread scheduler: a delivered event/read/write maps the
// opaque data back to the routine that registered it.
type Handler interface {
	// OnEvent is invoked when a user event fires (via SendEvent).
	OnEvent(id EventID, data any)
	// OnReadReady is invoked once when fd becomes readable after a
	// RequestRead call.
	OnReadReady(fd int, data any)
	// OnWriteReady is invoked once when fd becomes writable after a
	// RequestWrite call.
	OnWriteReady(fd int, data any)
	// OnFDPanic is invoked when fd is observed unusable (remote close,
	// EPOLLERR/EPOLLHUP) while a read or write request was outstanding.
	OnFDPanic(fd int, data any)
}

// Poller wraps the host's readiness multiplexer (epoll on Linux, kqueue
// on Darwin). A Poller is owned exclusively by one Scheduler; it is not
// safe for concurrent registration calls except SendEvent, which is the
// one operation meant to be called cross-thread.
type Poller struct {
	backing platformPoller
}

// NewPoller constructs and initializes a Poller.
func NewPoller() (*Poller, error) {
	p := &Poller{}
	if err := p.backing.init(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close releases the underlying OS resources.
func (p *Poller) Close() error {
	return p.backing.close()
}

// RegisterEvent allocates a user-wakeable event bound to data, returning
// an id that SendEvent (from any thread) can later use to fire it.
func (p *Poller) RegisterEvent(data any) (EventID, error) {
	return p.backing.registerEvent(data)
}

// UnregisterEvent releases a previously registered event.
func (p *Poller) UnregisterEvent(id EventID) error {
	return p.backing.unregisterEvent(id)
}

// SendEvent fires a previously registered event from any thread.
func (p *Poller) SendEvent(id EventID) error {
	return p.backing.sendEvent(id)
}

// RequestRead arms one-shot read-readiness interest on fd, delivering
// data to the handler's OnReadReady exactly once.
func (p *Poller) RequestRead(fd int, data any) error {
	return p.backing.requestRead(fd, data)
}

// RequestWrite arms one-shot write-readiness interest on fd, delivering
// data to the handler's OnWriteReady exactly once.
func (p *Poller) RequestWrite(fd int, data any) error {
	return p.backing.requestWrite(fd, data)
}

// CancelFD withdraws any outstanding read/write interest on fd without
// dispatching to the handler. Used when a wait round's other descriptors
// are withdrawn after one of them fires.
func (p *Poller) CancelFD(fd int) error {
	return p.backing.cancelFD(fd)
}

// Loop waits up to timeoutMs milliseconds, dispatches at most maxIter
// events to handler, and returns the reason it stopped.
func (p *Poller) Loop(handler Handler, maxIter int, timeoutMs int) (PollReason, error) {
	return p.backing.loop(handler, maxIter, timeoutMs)
}
