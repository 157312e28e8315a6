// Package supervisor runs the long-lived goroutines of the process (HTTP
// server, notifier workers, config watch, metrics) as one named group with
// panic recovery, per-name stats and a first-error result.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "rubaz/pkg/logx"
)

const (
	defaultRestartMin = 250 * time.Millisecond
	defaultRestartMax = 30 * time.Second
	// A run this long counts as healthy and resets the restart backoff.
	healthyRun = 30 * time.Second
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Pointer[error]

	wg       sync.WaitGroup
	started  atomic.Uint64
	active   atomic.Int64
	doneOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	stats map[string]*GoroutineStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first failing goroutine cancel the group.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// Counters are operational signals, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates every goroutine run under one name.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastPanic   string    `json:"last_panic,omitempty"`
}

// Snapshot is the /healthz view of the group.
type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		done:   make(chan struct{}),
		stats:  map[string]*GoroutineStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the group without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first goroutine failure, nil if none.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot lists running names first, then by name.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	out := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		out.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		out.Goroutines = append(out.Goroutines, *st)
	}
	s.mu.Unlock()
	sort.Slice(out.Goroutines, func(i, j int) bool {
		a, b := out.Goroutines[i], out.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return out
}

func (s *Supervisor) update(name string, fn func(st *GoroutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	fn(st)
}

func (s *Supervisor) markStart(name string, restart bool) {
	s.update(name, func(st *GoroutineStats) {
		st.Started++
		st.Active++
		if restart {
			st.Restarts++
		}
		st.LastStartAt = time.Now()
	})
}

func (s *Supervisor) markStop(name string, err error) {
	s.update(name, func(st *GoroutineStats) {
		st.Active = max(st.Active-1, 0)
		st.LastStopAt = time.Now()
		if err != nil {
			st.LastErr = err.Error()
		}
	})
}

// call runs fn once, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.update(name, func(st *GoroutineStats) {
			st.Panics++
			st.LastPanic = fmt.Sprint(r)
		})
		s.log.Error("goroutine.panic", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		err = &panicError{name: name, value: r}
	}()
	return fn(s.ctx)
}

// spawn tracks one goroutine in the group.
func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// Go runs fn under the group context. A returned error other than
// context.Canceled, or a panic, becomes the group error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		s.markStart(name, false)
		s.log.Debug("goroutine.started", logx.String("name", name))
		err := s.call(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			if pe := (*panicError)(nil); !errors.As(err, &pe) {
				err = fmt.Errorf("%s: %w", name, err)
			}
			s.markStop(name, err)
			s.fail(err)
		} else {
			s.markStop(name, nil)
		}
		s.log.Debug("goroutine.stopped", logx.String("name", name))
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max time.Duration
}

// WithRestartBackoff bounds the pause between restarts. Zero keeps the
// default for that bound.
func WithRestartBackoff(minD, maxD time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if minD > 0 {
			p.min = minD
		}
		if maxD > 0 {
			p.max = maxD
		}
	}
}

// GoRestart keeps fn running: after an error or panic it is started again
// with a doubling, jittered pause. It stops when fn returns nil or
// context.Canceled, or when the group ends. Restart failures are never the
// group error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: defaultRestartMin, max: defaultRestartMax}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.Go0(name+".restart", func(ctx context.Context) {
		pause := p.min
		for run := 0; ctx.Err() == nil; run++ {
			s.markStart(name, run > 0)
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.markStop(name, nil)
				return
			}
			s.markStop(name, fmt.Errorf("%s: %w", name, err))

			if time.Since(began) >= healthyRun {
				pause = p.min
			}
			wait := pause + rand.N(pause/5+1)
			s.log.Warn("goroutine.restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if !sleep(ctx, wait) {
				return
			}
			pause = min(2*pause, p.max)
		}
	})
}

// Stop cancels the group and waits for it, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine exited or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Done():
		return s.Err()
	}
}

// Done is closed once every goroutine started so far has exited.
func (s *Supervisor) Done() <-chan struct{} {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	return s.done
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(&err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

type panicError struct {
	name  string
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic in %s: %v", e.name, e.value) }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
