package runner

import (
	"context"
	"sync"

	"rubaz/internal/account"
	"rubaz/internal/task/registry"
)

// Handle is the control side of one runner: task cancellation, wake-ups and
// the right to write the account status. The manager owns it for the
// runner's lifetime; once abandoned the runner can no longer touch the
// registry.
type Handle struct {
	id  account.ID
	reg *registry.Registry

	mu         sync.Mutex
	cancelTask context.CancelFunc
	abandoned  bool

	signal chan struct{}
}

func NewHandle(id account.ID, reg *registry.Registry) *Handle {
	return &Handle{id: id, reg: reg, signal: make(chan struct{}, 1)}
}

func (h *Handle) Account() account.ID { return h.id }

// Signal wakes a waiting runner. Signals coalesce.
func (h *Handle) Signal() {
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

func (h *Handle) wake() <-chan struct{} { return h.signal }

// CancelTask cancels the in-flight task, if any.
func (h *Handle) CancelTask() {
	h.mu.Lock()
	cancel := h.cancelTask
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Abandon revokes the runner's status writes. It returns once no write is in
// progress.
func (h *Handle) Abandon() {
	h.mu.Lock()
	h.abandoned = true
	cancel := h.cancelTask
	h.cancelTask = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handle) Abandoned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.abandoned
}

// begin installs cancel for a task about to run, provided the account is
// still Online. Pause sets Pausing before calling CancelTask, so a task either
// sees Pausing here or gets cancelled.
func (h *Handle) begin(cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abandoned || h.reg.Status(h.id) != account.Online {
		return false
	}
	h.cancelTask = cancel
	return true
}

func (h *Handle) end() {
	h.mu.Lock()
	h.cancelTask = nil
	h.mu.Unlock()
}

// guarded runs fn unless the handle was abandoned.
func (h *Handle) guarded(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abandoned {
		return false
	}
	fn()
	return true
}

func (h *Handle) transition(from, to account.Status) error {
	var err error
	if !h.guarded(func() { err = h.reg.TransitionFrom(h.id, from, to) }) {
		return errAbandoned
	}
	return err
}
