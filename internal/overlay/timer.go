package overlay

import (
	"sync"
	"time"
)

// Timer is the external collaborator named in §5: the Message Handler
// registers a response id when it originates an application-level request
// and notifies the Timer when the matching response arrives. A response id
// that never arrives fires onTimeout once and is then forgotten.
//
// This generalizes the donor's embedded sendRPC pending-channel map into a
// standalone collaborator, since the spec treats request/response
// correlation as owned outside the handler proper.
type Timer struct {
	mu      sync.Mutex
	pending map[uint32]*time.Timer
	stopped bool
}

// NewTimer creates an empty Timer.
func NewTimer() *Timer {
	return &Timer{pending: make(map[uint32]*time.Timer)}
}

// Register arms a timeout for id. If Notify(id) is not called within d,
// onTimeout runs on its own goroutine.
func (t *Timer) Register(id uint32, d time.Duration, onTimeout func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if existing, ok := t.pending[id]; ok {
		existing.Stop()
	}
	timer := time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		onTimeout()
	})
	t.pending[id] = timer
	t.mu.Unlock()
}

// Notify cancels the pending timeout for id, reporting whether one was
// armed. Called when the response for id arrives.
func (t *Timer) Notify(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.pending[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.pending, id)
	return true
}

// Stop cancels every pending timeout without firing onTimeout, used during
// node shutdown (§5 cancellation).
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
}
