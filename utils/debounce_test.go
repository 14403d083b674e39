package utils

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCollapsesBurst(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)

	var runs int64
	var last atomic.Value
	for i := 0; i < 5; i++ {
		v := i
		d.Call(func(uint64) {
			atomic.AddInt64(&runs, 1)
			last.Store(v)
		})
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)

	if got := atomic.LoadInt64(&runs); got != 1 {
		t.Errorf("runs: got %d, want 1", got)
	}
	if got := last.Load(); got != 4 {
		t.Errorf("last value: got %v, want 4", got)
	}
}

func TestDebouncerGenerations(t *testing.T) {
	d := NewDebouncer(time.Hour)
	var first, second uint64
	d.Call(func(g uint64) { first = g })
	d.Call(func(g uint64) { second = g })
	d.Stop()

	if first != 0 || second != 0 {
		t.Fatal("stopped calls must not run")
	}
	if d.Current(1) || d.Current(2) {
		t.Error("stop should invalidate earlier generations")
	}
}
