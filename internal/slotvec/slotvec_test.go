package slotvec

import "testing"

func TestVector_WriteGetFree(t *testing.T) {
	v := New[string](0)
	a := v.Write("a")
	b := v.Write("b")
	c := v.Write("c")

	if got := v.Get(a); got != "a" {
		t.Fatalf("Get(a) = %q, want %q", got, "a")
	}
	if got := v.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	v.Free(b)
	if got := v.Len(); got != 2 {
		t.Fatalf("Len() after Free = %d, want 2", got)
	}

	// The freed index is reused on the next Write.
	d := v.Write("d")
	if d != b {
		t.Fatalf("Write after Free(b) returned index %d, want reused index %d", d, b)
	}
	if got := v.Get(d); got != "d" {
		t.Fatalf("Get(d) = %q, want %q", got, "d")
	}
	// c's index is untouched by the free/reuse of b.
	if got := v.Get(c); got != "c" {
		t.Fatalf("Get(c) = %q, want %q", got, "c")
	}
}

func TestVector_HeadIsFIFO(t *testing.T) {
	v := New[int](0)
	v.Write(1)
	v.Write(2)
	v.Write(3)

	for _, want := range []int{1, 2, 3} {
		idx, val, ok := v.Head()
		if !ok {
			t.Fatalf("Head() reported empty, want %d", want)
		}
		if val != want {
			t.Fatalf("Head() = %d, want %d", val, want)
		}
		v.Free(idx)
	}

	if _, _, ok := v.Head(); ok {
		t.Fatal("Head() on an empty vector should report false")
	}
}

func TestVector_EachVisitsInInsertionOrder(t *testing.T) {
	v := New[int](0)
	for i := 0; i < 5; i++ {
		v.Write(i)
	}
	var seen []int
	v.Each(func(_ uint32, val int) {
		seen = append(seen, val)
	})
	if len(seen) != 5 {
		t.Fatalf("Each visited %d entries, want 5", len(seen))
	}
	for i, val := range seen {
		if val != i {
			t.Fatalf("Each order mismatch at position %d: got %d, want %d", i, val, i)
		}
	}
}

// TestVector_FreeSoleElementThenReuse is the regression test for the
// head==tail Free bug: freeing the only live cell must reset both head
// and tail to empty, so the freed index can be written to and read back
// without being misclassified as still-free.
func TestVector_FreeSoleElementThenReuse(t *testing.T) {
	v := New[int](0)
	a := v.Write(1)
	v.Free(a)

	if _, _, ok := v.Head(); ok {
		t.Fatal("Head() after freeing the sole element should report empty")
	}

	b := v.Write(2)
	if b != a {
		t.Fatalf("Write after freeing sole element returned index %d, want reused index %d", b, a)
	}
	if got := v.Get(b); got != 2 {
		t.Fatalf("Get(b) = %d, want 2", got)
	}
	if got := v.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	// The reused index must behave as a normal live cell: a further
	// Free must succeed without panicking.
	v.Free(b)
	if got := v.Len(); got != 0 {
		t.Fatalf("Len() after final Free = %d, want 0", got)
	}
}

func TestVector_GetOnFreeIndexPanics(t *testing.T) {
	v := New[int](0)
	idx := v.Write(1)
	v.Free(idx)

	defer func() {
		if recover() == nil {
			t.Fatal("expected Get on a freed index to panic")
		}
	}()
	v.Get(idx)
}
