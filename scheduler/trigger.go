package scheduler

import (
	"sync"
	"time"
)

// Trigger is the refresh request shared between the scheduler and the
// pipeline. Raising it while a request is pending coalesces into one.
type Trigger struct {
	mu        sync.Mutex
	pending   bool
	kind      Kind
	completed map[Kind]time.Time
	ch        chan struct{}
}

// NewTrigger creates an idle trigger.
func NewTrigger() *Trigger {
	return &Trigger{
		completed: make(map[Kind]time.Time),
		ch:        make(chan struct{}, 1),
	}
}

// Raise requests a refresh.
func (t *Trigger) Raise(kind Kind) {
	t.mu.Lock()
	if !t.pending {
		t.pending = true
		t.kind = kind
	}
	t.mu.Unlock()

	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C is signalled whenever the trigger is raised.
func (t *Trigger) C() <-chan struct{} {
	return t.ch
}

// ShouldRefresh reports whether a refresh is pending.
func (t *Trigger) ShouldRefresh() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Pending returns the kind of the pending request.
func (t *Trigger) Pending() (Kind, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind, t.pending
}

// MarkComplete clears the pending request and records when a refresh of
// this kind last finished.
func (t *Trigger) MarkComplete(kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = false
	t.kind = ""
	t.completed[kind] = time.Now()
}

// LastCompleted returns when a refresh of kind last finished.
func (t *Trigger) LastCompleted(kind Kind) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.completed[kind]
	return ts, ok
}
