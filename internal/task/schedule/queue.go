// Package schedule keeps the pending work of one account.
package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/task"
)

// Entry is a task eligible to start no earlier than At.
type Entry struct {
	Task task.Task `json:"task"`
	At   time.Time `json:"at"`
}

func (e Entry) Account() account.ID { return e.Task.Account }

// Queue holds at most one Entry per task key. A later Put for the same key
// replaces the earlier entry. Every mutation wakes a waiting runner.
type Queue struct {
	mu      sync.Mutex
	entries map[string]Entry
	seq     map[string]uint64
	next    uint64

	wake chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		entries: map[string]Entry{},
		seq:     map[string]uint64{},
		wake:    make(chan struct{}, 1),
	}
}

// Put inserts or replaces the entry for t's key.
func (q *Queue) Put(t task.Task, at time.Time) {
	q.mu.Lock()
	k := t.Key()
	q.entries[k] = Entry{Task: t, At: at}
	q.next++
	q.seq[k] = q.next
	q.mu.Unlock()
	q.signal()
}

// Remove drops the entry for key, if any.
func (q *Queue) Remove(key string) bool {
	q.mu.Lock()
	_, ok := q.entries[key]
	delete(q.entries, key)
	delete(q.seq, key)
	q.mu.Unlock()
	if ok {
		q.signal()
	}
	return ok
}

// Clear drops every pending entry.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.entries = map[string]Entry{}
	q.seq = map[string]uint64{}
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Get returns the pending entry for key.
func (q *Queue) Get(key string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	return e, ok
}

// Entries returns pending entries ordered by At, then key.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	q.mu.Unlock()
	sortEntries(out)
	return out
}

// Wake is signalled (coalesced) after every mutation.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Next removes and returns the earliest due entry for which eligible
// returns true. Ineligible entries stay queued. When nothing runnable is due,
// wait is the time until the earliest pending entry (zero if none are
// pending, which means "wait for a wake").
//
// eligible is called without the queue lock held; it may do I/O.
func (q *Queue) Next(ctx context.Context, now time.Time, eligible func(context.Context, task.Task) bool) (e Entry, wait time.Duration, ok bool) {
	type cand struct {
		Entry
		seq uint64
	}
	q.mu.Lock()
	cands := make([]cand, 0, len(q.entries))
	for k, it := range q.entries {
		cands = append(cands, cand{Entry: it, seq: q.seq[k]})
	}
	q.mu.Unlock()

	sort.Slice(cands, func(i, j int) bool { return less(cands[i].Entry, cands[j].Entry) })

	var earliestFuture time.Time
	for _, c := range cands {
		if c.At.After(now) {
			if earliestFuture.IsZero() {
				earliestFuture = c.At
			}
			continue
		}
		if ctx.Err() != nil {
			return Entry{}, 0, false
		}
		if eligible != nil && !eligible(ctx, c.Task) {
			continue
		}
		k := c.Task.Key()
		q.mu.Lock()
		// The entry may have been replaced while eligibility was evaluated.
		if q.seq[k] == c.seq {
			delete(q.entries, k)
			delete(q.seq, k)
			q.mu.Unlock()
			return c.Entry, 0, true
		}
		q.mu.Unlock()
	}

	if earliestFuture.IsZero() {
		return Entry{}, 0, false
	}
	return Entry{}, earliestFuture.Sub(now), false
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return less(es[i], es[j]) })
}

func less(a, b Entry) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.Task.Key() < b.Task.Key()
}
