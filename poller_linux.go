//go:build linux

package boson

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs bounds direct-array indexing of registered file descriptors.
const maxFDs = 65536

// fdKind distinguishes a one-shot read wait from a one-shot write wait.
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
	fd     int
	data   any
	active bool
}

// platformPoller is the Linux epoll-backed implementation of the Poller
// contract, adapted from the teacher's FastPoller (poller_linux.go):
// direct array indexing for O(1) fd lookup, guarded by an RWMutex, plus
// a version counter so a PollWait racing a concurrent unregister can
// detect and discard stale results.
type platformPoller struct {
	epfd     int32
	version  atomic.Uint64
	eventBuf [256]unix.EpollEvent

	fdMu sync.RWMutex
	fds  [maxFDs]fdEntry

	evMu    sync.Mutex
	events  map[EventID]*eventEntry
	nextEvt uint64

	closed atomic.Bool
}

func (p *platformPoller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = int32(epfd)
	p.events = make(map[EventID]*eventEntry)
	return nil
}

func (p *platformPoller) close() error {
	p.closed.Store(true)
	p.evMu.Lock()
	for id, e := range p.events {
		closeWakeFd(e.fd, -1)
		delete(p.events, id)
	}
	p.evMu.Unlock()
	if p.epfd > 0 {
		return unix.Close(int(p.epfd))
	}
	return nil
}

func (p *platformPoller) registerEvent(data any) (EventID, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	fd, _, err := createWakeFd(0, EFD_NONBLOCK|EFD_CLOEXEC)
	if err != nil {
		return 0, err
	}
	p.evMu.Lock()
	p.nextEvt++
	id := EventID(p.nextEvt)
	p.events[id] = &eventEntry{fd: fd, data: data, active: true}
	p.evMu.Unlock()

	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.evMu.Lock()
		delete(p.events, id)
		p.evMu.Unlock()
		closeWakeFd(fd, -1)
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
	_ = unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, e.fd, nil)
	return closeWakeFd(e.fd, -1)
}

func (p *platformPoller) sendEvent(id EventID) error {
	p.evMu.Lock()
	e, ok := p.events[id]
	p.evMu.Unlock()
	if !ok {
		return ErrEventNotRegistered
	}
	return writeWakeFd(e.fd)
}

func (p *platformPoller) requestRead(fd int, data any) error {
	return p.requestFD(fd, data, fdRead, unix.EPOLLIN)
}

func (p *platformPoller) requestWrite(fd int, data any) error {
	return p.requestFD(fd, data, fdWrite, unix.EPOLLOUT)
}

func (p *platformPoller) requestFD(fd int, data any, kind fdKind, epollBit uint32) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	wasActive := p.fds[fd].active
	p.fds[fd] = fdEntry{data: data, kind: kind, active: true}
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{
		Events: epollBit | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	}
	op := unix.EPOLL_CTL_ADD
	if wasActive {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(int(p.epfd), op, fd, ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdEntry{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *platformPoller) cancelFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return nil
	}
	p.fds[fd] = fdEntry{}
	p.version.Add(1)
	p.fdMu.Unlock()
	_ = unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (p *platformPoller) loop(handler Handler, maxIter int, timeoutMs int) (PollReason, error) {
	if p.closed.Load() {
		return ReasonPanic, ErrPollerClosed
	}

	v := p.version.Load()
	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return ReasonTimedOut, nil
		}
		return ReasonPanic, err
	}
	if n == 0 {
		return ReasonTimedOut, nil
	}
	if p.version.Load() != v {
		// Registrations changed mid-wait; results may reference stale
		// fds. Drop this batch rather than risk dispatching to a
		// withdrawn descriptor.
		return ReasonTimedOut, nil
	}

	dispatched := 0
	for i := 0; i < n && dispatched < maxIter; i++ {
		if p.dispatchOne(handler, int(p.eventBuf[i].Fd), p.eventBuf[i].Events) {
			dispatched++
		}
	}

	if dispatched >= maxIter {
		return ReasonMaxIter, nil
	}
	return ReasonTimedOut, nil
}

// dispatchOne dispatches a single epoll event to handler. It returns
// whether a handler callback was actually invoked (a stale/withdrawn
// descriptor counts as a no-op, not a dispatch).
func (p *platformPoller) dispatchOne(handler Handler, fd int, mask uint32) bool {
	p.evMu.Lock()
	for id, e := range p.events {
		if e.fd == fd {
			drainWakeFd(fd)
			data := e.data
			p.evMu.Unlock()
			handler.OnEvent(id, data)
			return true
		}
	}
	p.evMu.Unlock()

	if fd < 0 || fd >= maxFDs {
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
	case mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0:
		handler.OnFDPanic(fd, entry.data)
	case entry.kind == fdRead:
		handler.OnReadReady(fd, entry.data)
	default:
		handler.OnWriteReady(fd, entry.data)
	}
	return true
}
