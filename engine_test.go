package boson

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario seed 1 (spec §8): rendezvous channel.
func TestEngine_RendezvousChannel(t *testing.T) {
	eng, err := NewEngine(2)
	require.NoError(t, err)
	defer eng.Close()

	ch := NewChannel[int](1)
	done := make(chan struct{}, 2)

	eng.Start(func() {
		ch.Write(42, -1)
		done <- struct{}{}
	})
	var got int
	var ok bool
	eng.Start(func() {
		got, ok = ch.Read(-1)
		done <- struct{}{}
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for routines to finish")
		}
	}

	assert.True(t, ok)
	assert.Equal(t, 42, got)
}

// Scenario seed 2 (spec §8): mutex contention.
func TestEngine_MutexContention(t *testing.T) {
	eng, err := NewEngine(4)
	require.NoError(t, err)
	defer eng.Close()

	const routines = 16
	const iterations = 10000

	m := NewMutex()
	v := 0
	var wg sync.WaitGroup
	wg.Add(routines)

	for i := 0; i < routines; i++ {
		eng.Start(func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.Lock()
				v++
				m.Unlock()
			}
		})
	}

	waitGroup(t, &wg, 10*time.Second)
	assert.Equal(t, routines*iterations, v)
}

// Scenario seed 3 (spec §8): timeout.
func TestEngine_ChannelReadTimeout(t *testing.T) {
	eng, err := NewEngine(1)
	require.NoError(t, err)
	defer eng.Close()

	ch := NewChannel[int](1)
	result := make(chan bool, 1)
	elapsed := make(chan time.Duration, 1)

	eng.Start(func() {
		start := time.Now()
		_, ok := ch.Read(50)
		elapsed <- time.Since(start)
		result <- ok
	})

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for read to return")
	}
	d := <-elapsed
	assert.GreaterOrEqual(t, d.Milliseconds(), int64(45))
	assert.Less(t, d.Milliseconds(), int64(500))
}

// Scenario seed 4 (spec §8): select tie-break — declaration order wins
// when multiple arms are already ready.
func TestEngine_SelectTieBreak(t *testing.T) {
	eng, err := NewEngine(1)
	require.NoError(t, err)
	defer eng.Close()

	a := NewChannel[int](1)
	b := NewChannel[int](1)
	a.Write(1, -1)
	b.Write(2, -1)

	fired := make(chan string, 1)
	eng.Start(func() {
		var av, bv int
		SelectAny(
			EventRead(a, &av, func(ok bool) { fired <- "a" }),
			EventRead(b, &bv, func(ok bool) { fired <- "b" }),
		)
	})

	select {
	case which := <-fired:
		assert.Equal(t, "a", which)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for select_any")
	}
}

// Scenario seed 5 (spec §8): cross-thread wake — a routine parked on
// thread 0's semaphore is woken by a post() issued from thread 3.
func TestEngine_CrossThreadSemaphoreWake(t *testing.T) {
	eng, err := NewEngine(4)
	require.NoError(t, err)
	defer eng.Close()

	sem := NewSemaphore(0)
	woke := make(chan int, 1)

	// Round-robin placement means the first four Start calls land one
	// per scheduler, in order.
	eng.Start(func() {
		sem.Wait(-1)
		woke <- CurrentRoutine().scheduler.idx
	})
	eng.Start(func() {})
	eng.Start(func() {})
	eng.Start(func() {
		sem.Post()
	})

	select {
	case idx := <-woke:
		assert.Equal(t, 0, idx)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cross-thread wake")
	}
}

// Scenario seed 6 (spec §8), simplified: N producer routines fan values
// into a single channel consumed by one routine, verifying no messages
// are lost or duplicated.
func TestEngine_ChatFanIn(t *testing.T) {
	eng, err := NewEngine(4)
	require.NoError(t, err)
	defer eng.Close()

	const clients = 8
	const perClient = 50

	messages := NewChannel[int](16)
	var wg sync.WaitGroup
	wg.Add(clients)
	for c := 0; c < clients; c++ {
		c := c
		eng.Start(func() {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				messages.Write(c*perClient+i, -1)
			}
		})
	}

	received := make(map[int]bool)
	var mu sync.Mutex
	consumerDone := make(chan struct{})
	eng.Start(func() {
		defer close(consumerDone)
		for i := 0; i < clients*perClient; i++ {
			v, ok := messages.Read(-1)
			if !ok {
				return
			}
			mu.Lock()
			received[v] = true
			mu.Unlock()
		}
	})

	waitGroup(t, &wg, 10*time.Second)
	select {
	case <-consumerDone:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for consumer")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, clients*perClient)
}

func waitGroup(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for routines")
	}
}
