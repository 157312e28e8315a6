package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/browser"
	"rubaz/internal/browser/browsertest"
	"rubaz/internal/command"
	"rubaz/internal/eventbus"
	"rubaz/internal/storage"
	"rubaz/internal/task"
	"rubaz/internal/task/catalog"
	"rubaz/internal/task/policy"
	"rubaz/internal/task/registry"
	"rubaz/internal/task/schedule"
	logx "rubaz/pkg/logx"
)

const acc account.ID = 7

type recorder struct {
	mu   sync.Mutex
	runs []storage.TaskRun
}

func (r *recorder) AppendTaskRun(_ context.Context, run storage.TaskRun) error {
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.mu.Unlock()
	return nil
}

func (r *recorder) outcomes(kind task.Kind) []storage.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.Outcome
	for _, run := range r.runs {
		if run.Kind == kind {
			out = append(out, run.Outcome)
		}
	}
	return out
}

type harness struct {
	reg    *registry.Registry
	queue  *schedule.Queue
	handle *Handle
	runs   *recorder
	bus    eventbus.Bus
	runner *Runner
	done   chan error
	cancel context.CancelFunc
}

// initThen returns an account_init kind that schedules next now.
func initThen(next ...task.Kind) catalog.Kind {
	return catalog.Kind{
		Kind: task.KindAccountInit,
		Run: func(_ context.Context, d *command.Deps, t task.Task) task.Result {
			for _, k := range next {
				d.Schedule.Put(task.New(k, t.Account), time.Now())
			}
			return task.Ok()
		},
	}
}

var fastPolicy = policy.Config{
	MinDelay:      time.Millisecond,
	RetryBase:     time.Millisecond,
	RetryMaxDelay: 5 * time.Millisecond,
	RetryMax:      2,
}

func newHarness(t *testing.T, kinds ...catalog.Kind) *harness {
	t.Helper()
	return newHarnessWith(t, fastPolicy, kinds...)
}

func newHarnessWith(t *testing.T, pcfg policy.Config, kinds ...catalog.Kind) *harness {
	t.Helper()
	bus := eventbus.New()
	reg := registry.New(bus)
	q := schedule.NewQueue()
	pol := policy.New(acc, pcfg, nil)
	h := NewHandle(acc, reg)
	runs := &recorder{}
	deps := &command.Deps{
		Account:  acc,
		Browser:  browser.NewHolder(&browsertest.Factory{}, account.Account{ID: acc}),
		Policy:   pol,
		Schedule: q,
		Log:      logx.Nop(),
	}
	r := New(Options{
		Handle:   h,
		Registry: reg,
		Queue:    q,
		Policy:   pol,
		Catalog:  catalog.Of(kinds...),
		Deps:     deps,
		Runs:     runs,
		Bus:      bus,
		Log:      logx.Nop(),
		Config:   func() Config { return Config{TaskTimeout: time.Second, IdlePoll: 10 * time.Millisecond} },
	})
	return &harness{reg: reg, queue: q, handle: h, runs: runs, bus: bus, runner: r}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.reg.Transition(acc, account.Starting); err != nil {
		t.Fatalf("Transition(Starting): %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.runner.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not exit")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunnerGoesOnlineAndRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t, initThen())
	ch, unsub := h.bus.Subscribe(64)
	defer unsub()
	h.start(t)

	waitFor(t, "account init run", func() bool { return len(h.runs.outcomes(task.KindAccountInit)) == 1 })
	if st := h.reg.Status(acc); st != account.Online {
		t.Fatalf("status = %v, want online", st)
	}
	if got := h.runs.outcomes(task.KindAccountInit)[0]; got != storage.OutcomeOk {
		t.Fatalf("outcome = %v, want ok", got)
	}
	if _, ok := h.reg.CurrentTask(acc); ok {
		t.Fatal("current task should be cleared after the run")
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != eventbus.TypeTaskFinished {
				continue
			}
			f := ev.Data.(Finished)
			if f.RunID == "" || f.Task.Kind != task.KindAccountInit {
				t.Fatalf("finished = %+v", f)
			}
			return
		case <-timeout:
			t.Fatal("no task.finished event")
		}
	}
}

func TestSuccessUsesConfiguredDelay(t *testing.T) {
	t.Parallel()
	pcfg := fastPolicy
	pcfg.Delays = map[task.Kind]time.Duration{task.KindAccountInit: time.Hour}
	pcfg.Jitter = 0.1
	h := newHarnessWith(t, pcfg, initThen())
	h.start(t)

	before := time.Now()
	waitFor(t, "account init run", func() bool { return len(h.runs.outcomes(task.KindAccountInit)) == 1 })
	var e schedule.Entry
	waitFor(t, "account init successor", func() bool {
		var ok bool
		e, ok = h.queue.Get(task.New(task.KindAccountInit, acc).Key())
		return ok
	})
	lo, hi := before.Add(54*time.Minute), time.Now().Add(66*time.Minute)
	if e.At.Before(lo) || e.At.After(hi) {
		t.Fatalf("successor at = %v, want within [%v, %v]", e.At, lo, hi)
	}
	if n := len(h.runs.outcomes(task.KindAccountInit)); n != 1 {
		t.Fatalf("account init runs = %d, want 1", n)
	}
}

func TestHandlerRescheduleWins(t *testing.T) {
	t.Parallel()
	pcfg := fastPolicy
	pcfg.Delays = map[task.Kind]time.Duration{"self": time.Hour}
	want := time.Now().Add(3 * time.Hour).Truncate(time.Second)
	self := catalog.Kind{Kind: "self", Run: func(_ context.Context, d *command.Deps, t task.Task) task.Result {
		d.Schedule.Put(t, want)
		return task.Ok()
	}}
	h := newHarnessWith(t, pcfg, initThen("self"), self)
	h.start(t)

	waitFor(t, "self run", func() bool { return len(h.runs.outcomes("self")) == 1 })
	e, ok := h.queue.Get(task.New("self", acc).Key())
	if !ok {
		t.Fatal("self should stay queued")
	}
	if !e.At.Equal(want) {
		t.Fatalf("at = %v, want %v", e.At, want)
	}
}

func TestRetryCapEscalatesToFatal(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	flaky := catalog.Kind{Kind: "flaky", Run: func(context.Context, *command.Deps, task.Task) task.Result {
		calls.Add(1)
		return task.Fail(errors.New("page glitch"))
	}}
	h := newHarness(t, initThen("flaky"), flaky)
	h.start(t)

	err := h.wait(t)
	if !errors.Is(err, policy.ErrRetryCapExceeded) {
		t.Fatalf("Run = %v, want retry cap exceeded", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if st := h.reg.Status(acc); st != account.Stopping {
		t.Fatalf("status = %v, want stopping", st)
	}
	if h.reg.LastError(acc) == "" {
		t.Fatal("last error should be recorded")
	}
	outs := h.runs.outcomes("flaky")
	if len(outs) != 3 || outs[0] != storage.OutcomeFailed || outs[2] != storage.OutcomeFatal {
		t.Fatalf("outcomes = %v", outs)
	}
}

func TestFatalAndPanicStopTheAccount(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		run  catalog.Handler
	}{
		{"fatal", func(context.Context, *command.Deps, task.Task) task.Result {
			return task.Fail(task.Fatal(errors.New("auth lost")))
		}},
		{"panic", func(context.Context, *command.Deps, task.Task) task.Result {
			panic("nil village")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, initThen("boom"), catalog.Kind{Kind: "boom", Run: tc.run})
			ch, unsub := h.bus.Subscribe(64)
			defer unsub()
			h.start(t)

			if err := h.wait(t); !task.IsFatal(err) {
				t.Fatalf("Run = %v, want fatal", err)
			}
			if st := h.reg.Status(acc); st != account.Stopping {
				t.Fatalf("status = %v, want stopping", st)
			}
			for {
				select {
				case ev := <-ch:
					if ev.Type == eventbus.TypeAccountFatal {
						return
					}
				default:
					t.Fatal("no account.fatal event")
				}
			}
		})
	}
}

func TestPauseRequeuesInFlightTask(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	started := make(chan struct{}, 4)
	slow := catalog.Kind{Kind: "slow", Run: func(ctx context.Context, _ *command.Deps, _ task.Task) task.Result {
		calls.Add(1)
		started <- struct{}{}
		<-ctx.Done()
		return task.Fail(ctx.Err())
	}}
	h := newHarness(t, initThen("slow"), slow)
	h.start(t)

	<-started
	if err := h.reg.Transition(acc, account.Pausing); err != nil {
		t.Fatalf("Transition(Pausing): %v", err)
	}
	h.handle.CancelTask()

	waitFor(t, "paused", func() bool { return h.reg.Status(acc) == account.Paused })
	if _, ok := h.queue.Get("slow"); !ok {
		t.Fatal("interrupted task should be re-queued")
	}
	if outs := h.runs.outcomes("slow"); len(outs) != 1 || outs[0] != storage.OutcomeInterrupted {
		t.Fatalf("outcomes = %v, want one interrupted", outs)
	}

	if err := h.reg.Transition(acc, account.Online); err != nil {
		t.Fatalf("Transition(Online): %v", err)
	}
	h.handle.Signal()
	<-started
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestIneligibleEntriesWait(t *testing.T) {
	t.Parallel()
	var allow atomic.Bool
	var ran atomic.Int32
	gated := catalog.Kind{
		Kind:     "gated",
		Eligible: func(context.Context, *command.Deps, task.Task) bool { return allow.Load() },
		Run: func(context.Context, *command.Deps, task.Task) task.Result {
			ran.Add(1)
			return task.Ok()
		},
	}
	h := newHarness(t, initThen("gated"), gated)
	h.start(t)

	waitFor(t, "init", func() bool { return len(h.runs.outcomes(task.KindAccountInit)) == 1 })
	time.Sleep(30 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatal("ineligible task must not run")
	}
	if _, ok := h.queue.Get("gated"); !ok {
		t.Fatal("ineligible entry must stay queued")
	}
	allow.Store(true)
	waitFor(t, "gated run", func() bool { return ran.Load() == 1 })
}

func TestAbandonedHandleCannotWriteStatus(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	stuck := catalog.Kind{Kind: "stuck", Run: func(context.Context, *command.Deps, task.Task) task.Result {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return task.Fail(task.Fatal(errors.New("late failure")))
	}}
	h := newHarness(t, initThen("stuck"), stuck)
	h.start(t)

	<-started
	h.handle.Abandon()
	h.reg.SetStatus(acc, account.Offline)

	if err := h.wait(t); err != nil {
		t.Fatalf("Run = %v, want nil after abandon", err)
	}
	if st := h.reg.Status(acc); st != account.Offline {
		t.Fatalf("status = %v, abandoned runner must not write", st)
	}
	if h.reg.LastError(acc) != "" {
		t.Fatal("abandoned runner must not record errors")
	}
}

func TestSetupFailureIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, initThen())
	h.runner.deps.Browser = browser.NewHolder(&browsertest.Factory{OpenErr: errors.New("no chrome")}, account.Account{ID: acc})
	h.start(t)

	if err := h.wait(t); !task.IsFatal(err) {
		t.Fatalf("Run = %v, want fatal", err)
	}
	if st := h.reg.Status(acc); st != account.Stopping {
		t.Fatalf("status = %v, want stopping", st)
	}
}
