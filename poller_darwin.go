//go:build darwin

package boson

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs is the initial size of the dynamic fd table; it grows on demand.
const maxFDs = 4096

// MaxFDLimit bounds dynamic growth of the fd table.
const MaxFDLimit = 100000000

type fdKind uint8

const (
	fdRead fdKind = iota
	fdWrite
)

type fdEntry struct {
	data   any
	kind   fdKind
	active bool
}

type eventEntry struct {
	ident  uint64
	data   any
	active bool
}

// platformPoller is the Darwin kqueue-backed implementation of the Poller
// contract, adapted from the teacher's FastPoller (poller_darwin.go).
// User-wakeable events use EVFILT_USER identifiers rather than a
// self-pipe, since kqueue supports software-triggered events natively.
type platformPoller struct {
	kq       int32
	eventBuf [256]unix.Kevent_t

	fdMu sync.RWMutex
	fds  []fdEntry

	evMu     sync.Mutex
	events   map[EventID]*eventEntry
	nextEvt  uint64
	nextIdnt uint64

	closed atomic.Bool
}

func (p *platformPoller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = int32(kq)
	p.fds = make([]fdEntry, maxFDs)
	p.events = make(map[EventID]*eventEntry)
	return nil
}

func (p *platformPoller) close() error {
	p.closed.Store(true)
	if p.kq > 0 {
		return unix.Close(int(p.kq))
	}
	return nil
}

func (p *platformPoller) growFDs(fd int) {
	if fd < len(p.fds) {
		return
	}
	newSize := fd*2 + 1
	if newSize > MaxFDLimit {
		newSize = MaxFDLimit + 1
	}
	grown := make([]fdEntry, newSize)
	copy(grown, p.fds)
	p.fds = grown
}

func (p *platformPoller) registerEvent(data any) (EventID, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	p.evMu.Lock()
	p.nextIdnt++
	ident := p.nextIdnt
	p.nextEvt++
	id := EventID(p.nextEvt)
	p.events[id] = &eventEntry{ident: ident, data: data, active: true}
	p.evMu.Unlock()

	kev := unix.Kevent_t{
		Ident:  ident,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(int(p.kq), []unix.Kevent_t{kev}, nil, nil); err != nil {
		p.evMu.Lock()
		delete(p.events, id)
		p.evMu.Unlock()
		return 0, err
	}
	return id, nil
}

func (p *platformPoller) unregisterEvent(id EventID) error {
	p.evMu.Lock()
	e, ok := p.events[id]
	if !ok {
		p.evMu.Unlock()
		return ErrEventNotRegistered
	}
	delete(p.events, id)
	p.evMu.Unlock()

	kev := unix.Kevent_t{Ident: e.ident, Filter: unix.EVFILT_USER, Flags: unix.EV_DELETE}
	_, _ = unix.Kevent(int(p.kq), []unix.Kevent_t{kev}, nil, nil)
	return nil
}

func (p *platformPoller) sendEvent(id EventID) error {
	p.evMu.Lock()
	e, ok := p.events[id]
	p.evMu.Unlock()
	if !ok {
		return ErrEventNotRegistered
	}
	kev := unix.Kevent_t{
		Ident:  e.ident,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	_, err := unix.Kevent(int(p.kq), []unix.Kevent_t{kev}, nil, nil)
	return err
}

func (p *platformPoller) requestRead(fd int, data any) error {
	return p.requestFD(fd, data, fdRead, unix.EVFILT_READ)
}

func (p *platformPoller) requestWrite(fd int, data any) error {
	return p.requestFD(fd, data, fdWrite, unix.EVFILT_WRITE)
}

func (p *platformPoller) requestFD(fd int, data any, kind fdKind, filter int16) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= MaxFDLimit {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	p.growFDs(fd)
	p.fds[fd] = fdEntry{data: data, kind: kind, active: true}
	p.fdMu.Unlock()

	kev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT,
	}
	if _, err := unix.Kevent(int(p.kq), []unix.Kevent_t{kev}, nil, nil); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdEntry{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *platformPoller) cancelFD(fd int) error {
	if fd < 0 || fd >= len(p.fds) {
		return nil
	}
	p.fdMu.Lock()
	entry := p.fds[fd]
	p.fds[fd] = fdEntry{}
	p.fdMu.Unlock()
	if !entry.active {
		return nil
	}
	filter := int16(unix.EVFILT_READ)
	if entry.kind == fdWrite {
		filter = unix.EVFILT_WRITE
	}
	kev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: unix.EV_DELETE}
	_, _ = unix.Kevent(int(p.kq), []unix.Kevent_t{kev}, nil, nil)
	return nil
}

func (p *platformPoller) loop(handler Handler, maxIter int, timeoutMs int) (PollReason, error) {
	if p.closed.Load() {
		return ReasonPanic, ErrPollerClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return ReasonTimedOut, nil
		}
		return ReasonPanic, err
	}
	if n == 0 {
		return ReasonTimedOut, nil
	}

	dispatched := 0
	for i := 0; i < n && dispatched < maxIter; i++ {
		if p.dispatchOne(handler, &p.eventBuf[i]) {
			dispatched++
		}
	}

	if dispatched >= maxIter {
		return ReasonMaxIter, nil
	}
	return ReasonTimedOut, nil
}

func (p *platformPoller) dispatchOne(handler Handler, kev *unix.Kevent_t) bool {
	if kev.Filter == unix.EVFILT_USER {
		p.evMu.Lock()
		for id, e := range p.events {
			if e.ident == kev.Ident {
				data := e.data
				p.evMu.Unlock()
				handler.OnEvent(id, data)
				return true
			}
		}
		p.evMu.Unlock()
		return false
	}

	fd := int(kev.Ident)
	if fd < 0 || fd >= len(p.fds) {
		return false
	}
	p.fdMu.Lock()
	entry := p.fds[fd]
	if entry.active {
		p.fds[fd] = fdEntry{}
	}
	p.fdMu.Unlock()
	if !entry.active {
		return false
	}

	switch {
	case kev.Flags&unix.EV_ERROR != 0 || kev.Flags&unix.EV_EOF != 0:
		handler.OnFDPanic(fd, entry.data)
	case entry.kind == fdRead:
		handler.OnReadReady(fd, entry.data)
	default:
		handler.OnWriteReady(fd, entry.data)
	}
	return true
}
