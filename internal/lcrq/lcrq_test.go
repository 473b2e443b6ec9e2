package lcrq

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"
)

func box(i int) unsafe.Pointer {
	v := i
	return unsafe.Pointer(&v)
}

func unbox(p unsafe.Pointer) int {
	return *(*int)(p)
}

func TestQueue_FIFOSingleProducerSingleConsumer(t *testing.T) {
	q := New()
	const n = 10000
	for i := 0; i < n; i++ {
		q.Push(box(i))
	}
	for i := 0; i < n; i++ {
		v, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: queue reported empty early", i)
		}
		if got := unbox(v); got != i {
			t.Fatalf("pop %d: got %d, want %d", i, got, i)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue after draining everything pushed")
	}
}

// TestQueue_Linearizable is the spec §8 "LCRQ linearizability" property:
// the output of a concurrent push/pop workload is a legal serialization
// of a FIFO queue. This checks the weaker, directly-verifiable corollary
// that every value pushed by a single producer comes out exactly once
// and none are fabricated, under concurrent multi-consumer pop.
func TestQueue_Linearizable(t *testing.T) {
	q := New()
	const n = 50000
	const consumers = 8

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(box(i))
		}
	}()

	var popped int64
	results := make([][]int, consumers)
	var cwg sync.WaitGroup
	cwg.Add(consumers)
	for c := 0; c < consumers; c++ {
		c := c
		go func() {
			defer cwg.Done()
			var mine []int
			for atomic.LoadInt64(&popped) < n {
				v, ok := q.Pop()
				if !ok {
					runtime.Gosched()
					continue
				}
				mine = append(mine, unbox(v))
				atomic.AddInt64(&popped, 1)
			}
			results[c] = mine
		}()
	}
	wg.Wait()
	cwg.Wait()

	var all []int
	for _, r := range results {
		all = append(all, r...)
	}
	if len(all) != n {
		t.Fatalf("got %d values, want %d (lost or duplicated)", len(all), n)
	}
	sort.Ints(all)
	for i, v := range all {
		if v != i {
			t.Fatalf("value set is not exactly {0..%d}: position %d has %d", n-1, i, v)
		}
	}
}

func TestQueue_PopEmptyReturnsFalse(t *testing.T) {
	q := New()
	if _, ok := q.Pop(); ok {
		t.Fatal("expected Pop on an empty queue to report false")
	}
}
