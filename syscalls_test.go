package boson

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func nonblockingPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// TestSyscalls_ReadWriteRoundTrip exercises the ordinary path: a routine
// blocks in Read until another routine's Write makes the pipe readable.
func TestSyscalls_ReadWriteRoundTrip(t *testing.T) {
	eng, err := NewEngine(2)
	require.NoError(t, err)
	defer eng.Close()

	r, w := nonblockingPipe(t)
	result := make(chan int, 1)

	eng.Start(func() {
		buf := make([]byte, 16)
		result <- Read(r, buf, 2000)
	})
	eng.Start(func() {
		time.Sleep(20 * time.Millisecond)
		Write(w, []byte("hi"), -1)
	})

	select {
	case n := <-result:
		assert.Equal(t, 2, n)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for read")
	}
}

// TestSyscalls_ReadTimeout asserts Read returns CodeTimeout when the fd
// never becomes readable within the deadline.
func TestSyscalls_ReadTimeout(t *testing.T) {
	eng, err := NewEngine(1)
	require.NoError(t, err)
	defer eng.Close()

	r, _ := nonblockingPipe(t)
	result := make(chan int, 1)

	eng.Start(func() {
		buf := make([]byte, 16)
		result <- Read(r, buf, 50)
	})

	select {
	case n := <-result:
		assert.Equal(t, CodeTimeout, n)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for read to time out")
	}
}

// TestSyscalls_FDPanicOnPeerClose asserts a blocked Read surfaces
// CodeFDPanic when the write end is closed with nothing ever written,
// leaving the fd in a permanently unusable state (EPOLLHUP/EPOLLERR on
// Linux, EV_EOF on the kqueue side).
func TestSyscalls_FDPanicOnPeerClose(t *testing.T) {
	eng, err := NewEngine(1)
	require.NoError(t, err)
	defer eng.Close()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	t.Cleanup(func() { _ = unix.Close(fds[0]) })

	result := make(chan int, 1)
	eng.Start(func() {
		buf := make([]byte, 16)
		result <- Read(fds[0], buf, 2000)
	})

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, unix.Close(fds[1]))

	select {
	case n := <-result:
		assert.Equal(t, CodeFDPanic, n, "unexpected return value %d", n)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for peer-close to surface")
	}
}

func TestYield_ReturnsRoutineToReadyQueueTail(t *testing.T) {
	eng, err := NewEngine(1)
	require.NoError(t, err)
	defer eng.Close()

	var order []int
	done := make(chan struct{}, 2)
	eng.Start(func() {
		Yield()
		order = append(order, 1)
		done <- struct{}{}
	})
	eng.Start(func() {
		order = append(order, 2)
		done <- struct{}{}
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for routines")
		}
	}
	assert.Equal(t, []int{2, 1}, order)
}

func TestSleep_BlocksForAtLeastDuration(t *testing.T) {
	eng, err := NewEngine(1)
	require.NoError(t, err)
	defer eng.Close()

	elapsed := make(chan time.Duration, 1)
	eng.Start(func() {
		start := time.Now()
		Sleep(50 * time.Millisecond)
		elapsed <- time.Since(start)
	})

	select {
	case d := <-elapsed:
		assert.GreaterOrEqual(t, d.Milliseconds(), int64(45))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sleep to return")
	}
}
