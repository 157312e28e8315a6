// Package registry holds the process-wide account status registry.
//
// The registry is the single source of truth for each account's lifecycle
// status, its currently running task and its last error. Reads and writes are
// linearizable; every change is published on the event bus without blocking.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/eventbus"
	"rubaz/internal/task"
)

// StatusChange is the payload of eventbus.TypeStatusChanged.
type StatusChange struct {
	Account account.ID     `json:"account_id"`
	From    account.Status `json:"from"`
	To      account.Status `json:"to"`
}

// TaskChange is the payload of eventbus.TypeTaskChanged. Task is nil when
// the account went idle.
type TaskChange struct {
	Account account.ID `json:"account_id"`
	Task    *task.Task `json:"task,omitempty"`
}

// Entry is a point-in-time view of one account.
type Entry struct {
	Account   account.ID     `json:"account_id"`
	Status    account.Status `json:"status"`
	Current   *task.Task     `json:"current_task,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	ChangedAt time.Time      `json:"changed_at"`
}

type entry struct {
	status    account.Status
	current   *task.Task
	lastErr   string
	changedAt time.Time
}

type Registry struct {
	mu sync.RWMutex
	m  map[account.ID]*entry

	bus eventbus.Bus
	now func() time.Time
}

// New creates an empty registry. bus may be nil.
func New(bus eventbus.Bus) *Registry {
	return &Registry{m: map[account.ID]*entry{}, bus: bus, now: time.Now}
}

// Status returns the account's status, Offline if unknown.
func (r *Registry) Status(id account.ID) account.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.m[id]; e != nil {
		return e.status
	}
	return account.Offline
}

// SetStatus overwrites the status unconditionally.
func (r *Registry) SetStatus(id account.ID, s account.Status) {
	r.mu.Lock()
	e := r.getLocked(id)
	from := e.status
	e.status = s
	e.changedAt = r.now()
	r.mu.Unlock()
	if from != s {
		r.publish(eventbus.TypeStatusChanged, StatusChange{Account: id, From: from, To: s})
	}
}

// Transition moves the account to `to` if the edge from its current status
// is valid. The check and the write are atomic.
func (r *Registry) Transition(id account.ID, to account.Status) error {
	r.mu.Lock()
	e := r.getLocked(id)
	from := e.status
	if err := account.CheckTransition(from, to); err != nil {
		r.mu.Unlock()
		return err
	}
	e.status = to
	e.changedAt = r.now()
	r.mu.Unlock()
	r.publish(eventbus.TypeStatusChanged, StatusChange{Account: id, From: from, To: to})
	return nil
}

// TransitionFrom is Transition guarded by an expected current status.
func (r *Registry) TransitionFrom(id account.ID, from, to account.Status) error {
	r.mu.Lock()
	e := r.getLocked(id)
	if e.status != from {
		cur := e.status
		r.mu.Unlock()
		return fmt.Errorf("%w: status is %s, not %s", account.ErrInvalidTransition, cur, from)
	}
	if err := account.CheckTransition(from, to); err != nil {
		r.mu.Unlock()
		return err
	}
	e.status = to
	e.changedAt = r.now()
	r.mu.Unlock()
	r.publish(eventbus.TypeStatusChanged, StatusChange{Account: id, From: from, To: to})
	return nil
}

// CurrentTask returns the task currently running for the account.
func (r *Registry) CurrentTask(id account.ID) (task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.m[id]; e != nil && e.current != nil {
		return *e.current, true
	}
	return task.Task{}, false
}

func (r *Registry) SetCurrentTask(id account.ID, t task.Task) {
	r.mu.Lock()
	e := r.getLocked(id)
	cp := t
	e.current = &cp
	r.mu.Unlock()
	r.publish(eventbus.TypeTaskChanged, TaskChange{Account: id, Task: &cp})
}

func (r *Registry) ClearCurrentTask(id account.ID) {
	r.mu.Lock()
	e := r.m[id]
	had := e != nil && e.current != nil
	if had {
		e.current = nil
	}
	r.mu.Unlock()
	if had {
		r.publish(eventbus.TypeTaskChanged, TaskChange{Account: id})
	}
}

func (r *Registry) LastError(id account.ID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.m[id]; e != nil {
		return e.lastErr
	}
	return ""
}

// SetLastError records err (nil clears it).
func (r *Registry) SetLastError(id account.ID, err error) {
	r.mu.Lock()
	e := r.getLocked(id)
	if err == nil {
		e.lastErr = ""
	} else {
		e.lastErr = err.Error()
	}
	r.mu.Unlock()
}

// Forget drops an Offline account's entry. Non-offline entries are kept.
func (r *Registry) Forget(id account.ID) {
	r.mu.Lock()
	if e := r.m[id]; e != nil && e.status == account.Offline {
		delete(r.m, id)
	}
	r.mu.Unlock()
}

// Snapshot returns all known accounts ordered by id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.m))
	for id, e := range r.m {
		it := Entry{Account: id, Status: e.status, LastError: e.lastErr, ChangedAt: e.changedAt}
		if e.current != nil {
			cp := *e.current
			it.Current = &cp
		}
		out = append(out, it)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

func (r *Registry) getLocked(id account.ID) *entry {
	e := r.m[id]
	if e == nil {
		e = &entry{status: account.Offline}
		r.m[id] = e
	}
	return e
}

func (r *Registry) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: data})
}
