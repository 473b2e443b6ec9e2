package boson

import (
	"time"

	"golang.org/x/sys/unix"
)

// CodeFDPanic aliases the fd_panic sentinel (CodePanic, -100) under the
// name used by the syscall-wrapper return values in spec §6.
const CodeFDPanic = CodePanic

// Yield suspends the calling routine, placing it at the tail of its
// scheduler's ready queue, and resumes once every other routine ahead
// of it has had a turn. This is the only suspension point with no
// associated event descriptor: it never waits_events, it goes directly
// yielding -> ready (spec §4.4's state machine, `running -- yield -->
// yielding`).
func Yield() {
	r := CurrentRoutine()
	if r == nil {
		invariantViolation("yield called outside routine context")
	}
	r.suspend(RoutineYielding)
}

// Sleep suspends the calling routine for at least the given duration.
func Sleep(d time.Duration) {
	r := CurrentRoutine()
	if r == nil {
		invariantViolation("sleep called outside routine context")
	}
	r.startEventRound()
	r.addTimer(time.Now().Add(d))
	r.commitEventRound()
}

// waitFD suspends the calling routine until fd is ready for the given
// direction or timeoutMs elapses (timeoutMs < 0 waits forever).
// Returns true if fd became ready, false on timeout or fd panic.
func waitFD(fd int, write bool, timeoutMs int) bool {
	r := CurrentRoutine()
	if r == nil {
		invariantViolation("io wait called outside routine context")
	}
	r.startEventRound()
	if write {
		r.addWrite(fd)
	} else {
		r.addRead(fd)
	}
	if timeoutMs >= 0 {
		r.addTimer(time.Now().Add(time.Duration(timeoutMs) * time.Millisecond))
	}
	r.commitEventRound()
	// Readiness fires with RoutineWaitingEvents; a timer fires with
	// RoutineTimedOut and an fd panic with RoutineYielding.
	return r.previousStatus == RoutineWaitingEvents
}

// Read blocks the calling routine until fd is readable (or timeoutMs
// elapses, timeoutMs < 0 meaning never), then issues a single read
// syscall into buf. Returns the byte count on success, CodeTimeout
// (-101) on timeout, CodeFDPanic (-100) if fd was marked unusable
// while waiting, or the negated errno on a syscall failure.
func Read(fd int, buf []byte, timeoutMs int) int {
	if !waitFD(fd, false, timeoutMs) {
		return fdOutcome(CurrentRoutine())
	}
	n, err := readFD(fd, buf)
	if err != nil {
		return -int(errnoOf(err))
	}
	return n
}

// Write blocks the calling routine until fd is writable (or timeoutMs
// elapses), then issues a single write syscall from buf.
//
// original_source/src/boson/src/syscall.cc's write wrapper reads
// `wait(timeout_ms = -1)` — an assignment, always waiting forever
// regardless of the caller's timeout. Spec §9 calls this out
// explicitly and mandates passing the caller-supplied timeout through,
// which is what happens here.
func Write(fd int, buf []byte, timeoutMs int) int {
	if !waitFD(fd, true, timeoutMs) {
		return fdOutcome(CurrentRoutine())
	}
	n, err := writeFD(fd, buf)
	if err != nil {
		return -int(errnoOf(err))
	}
	return n
}

// Recv blocks until fd is readable then issues a single recvfrom.
func Recv(fd int, buf []byte, flags int, timeoutMs int) int {
	if !waitFD(fd, false, timeoutMs) {
		return fdOutcome(CurrentRoutine())
	}
	n, _, err := unix.Recvfrom(fd, buf, flags)
	if err != nil {
		return -int(errnoOf(err))
	}
	return n
}

// Send blocks until fd is writable then issues a single sendto to the
// already-connected peer.
func Send(fd int, buf []byte, flags int, timeoutMs int) int {
	if !waitFD(fd, true, timeoutMs) {
		return fdOutcome(CurrentRoutine())
	}
	if err := unix.Sendto(fd, buf, flags, nil); err != nil {
		return -int(errnoOf(err))
	}
	return len(buf)
}

// Accept blocks until a listening fd has a pending connection, then
// accepts it, returning the new connected fd.
func Accept(fd int, timeoutMs int) int {
	if !waitFD(fd, false, timeoutMs) {
		return fdOutcome(CurrentRoutine())
	}
	nfd, _, err := unix.Accept(fd)
	if err != nil {
		return -int(errnoOf(err))
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = closeFD(nfd)
		return -int(errnoOf(err))
	}
	return nfd
}

// Connect initiates a non-blocking connect on fd and blocks the
// calling routine until it completes (writable) or timeoutMs elapses.
func Connect(fd int, sa unix.Sockaddr, timeoutMs int) int {
	err := unix.Connect(fd, sa)
	if err == nil {
		return 0
	}
	if err != unix.EINPROGRESS {
		return -int(errnoOf(err))
	}
	if !waitFD(fd, true, timeoutMs) {
		return fdOutcome(CurrentRoutine())
	}
	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return -int(errnoOf(gerr))
	}
	if errno != 0 {
		return -errno
	}
	return 0
}

// fdOutcome translates a failed waitFD's terminal routine state into
// the sentinel expected by callers: CodeTimeout unless an fd_panic was
// the actual cause, in which case CodeFDPanic.
func fdOutcome(r *Routine) int {
	if r.previousStatus == RoutineTimedOut {
		return CodeTimeout
	}
	return CodeFDPanic
}

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}
