package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDoCollapsesToLastCall(t *testing.T) {
	d := New(300 * time.Millisecond)

	var got atomic.Value
	var calls atomic.Int32
	for _, q := range []string{"a", "ab", "abc"} {
		q := q
		d.Do(func() {
			got.Store(q)
			calls.Add(1)
		})
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(500 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected exactly 1 execution, got %d", n)
	}
	if v := got.Load(); v != "abc" {
		t.Errorf("expected last call %q to win, got %v", "abc", v)
	}
}

func TestFlushRunsPendingImmediately(t *testing.T) {
	d := New(time.Hour)

	var calls atomic.Int32
	d.Do(func() { calls.Add(1) })
	d.Flush()

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected flush to run the pending call, got %d executions", n)
	}
	if d.Pending() {
		t.Error("expected no pending call after flush")
	}

	// Flushing again must be a no-op.
	d.Flush()
	if n := calls.Load(); n != 1 {
		t.Errorf("expected repeat flush to be a no-op, got %d executions", n)
	}
}

func TestCancelDiscardsPending(t *testing.T) {
	d := New(50 * time.Millisecond)

	var calls atomic.Int32
	d.Do(func() { calls.Add(1) })
	d.Cancel()

	time.Sleep(150 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("expected cancelled call never to run, got %d executions", n)
	}
}
