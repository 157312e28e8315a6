// Package runner is the per-account control loop: checkpoint, select,
// execute, then apply the result to the schedule.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"rubaz/internal/account"
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

var (
	errAbandoned = errors.New("runner handle abandoned")
	errStopping  = errors.New("account stopping")
)

type Config struct {
	TaskTimeout time.Duration
	// IdlePoll bounds the wait when every queued entry is ineligible.
	IdlePoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 3 * time.Minute
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 30 * time.Second
	}
	return c
}

// RunRecorder persists one TaskRun per invocation.
type RunRecorder interface {
	AppendTaskRun(ctx context.Context, r storage.TaskRun) error
}

// Finished is the payload of eventbus.TypeTaskFinished.
type Finished struct {
	RunID   string          `json:"run_id"`
	Account account.ID      `json:"account_id"`
	Task    task.Task       `json:"task"`
	Outcome storage.Outcome `json:"outcome"`
	Took    time.Duration   `json:"took"`
	Error   string          `json:"error,omitempty"`
}

// FatalEvent is the payload of eventbus.TypeAccountFatal.
type FatalEvent struct {
	Account account.ID `json:"account_id"`
	Error   string     `json:"error"`
}

type Options struct {
	Handle   *Handle
	Registry *registry.Registry
	Queue    *schedule.Queue
	Policy   *policy.Policy
	Catalog  *catalog.Catalog
	Deps     *command.Deps
	Runs     RunRecorder
	Bus      eventbus.Bus
	Log      logx.Logger
	// Config is read at every cycle so reloads apply to the next task.
	Config func() Config
}

type Runner struct {
	id     account.ID
	h      *Handle
	reg    *registry.Registry
	queue  *schedule.Queue
	policy *policy.Policy
	cat    *catalog.Catalog
	deps   *command.Deps
	runs   RunRecorder
	bus    eventbus.Bus
	log    logx.Logger
	cfg    func() Config
}

func New(o Options) *Runner {
	cfg := o.Config
	if cfg == nil {
		cfg = func() Config { return Config{} }
	}
	return &Runner{
		id:     o.Handle.Account(),
		h:      o.Handle,
		reg:    o.Registry,
		queue:  o.Queue,
		policy: o.Policy,
		cat:    o.Catalog,
		deps:   o.Deps,
		runs:   o.Runs,
		bus:    o.Bus,
		log:    o.Log.With(logx.String("comp", "runner"), logx.Account(int64(o.Handle.Account()))),
		cfg:    cfg,
	}
}

// Run drives the account until it is stopped, ctx is cancelled or a fatal
// error occurs. Only the fatal case returns an error.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner.started")
	defer r.log.Info("runner.stopped")

	if err := r.setup(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, errAbandoned) || errors.Is(err, errStopping) {
			return nil
		}
		return r.fatal(err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.h.Abandoned() {
			return nil
		}

		switch st := r.reg.Status(r.id); st {
		case account.Stopping, account.Offline:
			return nil
		case account.Pausing:
			if err := r.h.transition(account.Pausing, account.Paused); err == nil {
				r.log.Info("runner.paused")
			}
			continue
		case account.Paused, account.Starting:
			if !r.sleep(ctx, 0, false) {
				return nil
			}
			continue
		}

		cfg := r.cfg().withDefaults()
		e, wait, ok := r.queue.Next(ctx, time.Now(), func(c context.Context, t task.Task) bool {
			return r.cat.Eligible(c, r.deps, t)
		})
		if !ok {
			if wait == 0 && r.queue.Len() > 0 {
				wait = cfg.IdlePoll
			}
			if !r.sleep(ctx, wait, true) {
				return nil
			}
			continue
		}

		if err := r.execute(ctx, e, cfg); err != nil {
			return r.fatal(err)
		}
	}
}

// setup opens the session, seeds AccountInit and moves Starting -> Online.
func (r *Runner) setup(ctx context.Context) error {
	if _, err := r.deps.Browser.Open(ctx); err != nil {
		return task.Fatal(fmt.Errorf("open browser: %w", err))
	}
	first := task.New(task.KindAccountInit, r.id)
	if !r.cat.Eligible(ctx, r.deps, first) {
		return task.Fatal(errors.New("account init is not eligible"))
	}
	r.queue.Put(first, time.Now())
	if err := r.h.transition(account.Starting, account.Online); err != nil {
		if r.reg.Status(r.id) == account.Stopping {
			return errStopping
		}
		return err
	}
	return nil
}

// sleep waits for d (0 means until signalled), a handle signal or ctx. With
// watchQueue a schedule change also wakes it. It reports false when ctx is
// done.
func (r *Runner) sleep(ctx context.Context, d time.Duration, watchQueue bool) bool {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	var qwake <-chan struct{}
	if watchQueue {
		qwake = r.queue.Wake()
	}
	select {
	case <-ctx.Done():
		return false
	case <-r.h.wake():
	case <-qwake:
	case <-timeout:
	}
	return true
}

// execute runs one entry and applies its result. It returns a non-nil
// error only when the account must stop.
func (r *Runner) execute(ctx context.Context, e schedule.Entry, cfg Config) error {
	t := e.Task
	timeout := r.cat.Timeout(ctx, r.deps, t, cfg.TaskTimeout)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !r.h.begin(cancel) {
		// Paused or stopped between checkpoint and selection.
		r.queue.Put(t, e.At)
		return nil
	}
	r.h.guarded(func() { r.reg.SetCurrentTask(r.id, t) })

	runID := uuid.NewString()
	log := r.log.With(logx.Task(t.Key()), logx.String("run_id", runID))
	log.Info("task.started", logx.Duration("timeout", timeout))
	started := time.Now()

	res := r.invoke(tctx, t, log)
	took := time.Since(started)

	r.h.end()
	r.h.guarded(func() { r.reg.ClearCurrentTask(r.id) })

	outcome := storage.OutcomeOk
	var stopErr error
	switch {
	case res.IsOk():
		r.policy.Succeeded(t)
		log.Info("task.completed", logx.Duration("took", took))
		r.scheduleSuccessor(ctx, t, log)

	case task.Interrupted(res):
		outcome = storage.OutcomeInterrupted
		r.queue.Put(t, e.At)
		log.Info("task.interrupted", logx.Duration("took", took))

	case task.Classify(res) == task.ClassFatal:
		outcome = storage.OutcomeFatal
		stopErr = res.Err()
		log.Error("task.failed", logx.Err(stopErr), logx.String("class", task.ClassFatal.String()))

	default:
		at, attempt, err := r.policy.Failed(t, res)
		if err != nil {
			outcome = storage.OutcomeFatal
			stopErr = err
			log.Error("task.failed", logx.Err(err), logx.Int("attempt", attempt))
			break
		}
		outcome = storage.OutcomeFailed
		r.queue.Put(t, at)
		log.Warn("task.failed",
			logx.Err(res.Err()),
			logx.String("class", task.Classify(res).String()),
			logx.Int("attempt", attempt),
			logx.Time("retry_at", at),
		)
	}

	r.record(runID, t, started, took, outcome, res)
	return stopErr
}

// scheduleSuccessor queues the next run of t at its configured delay. A
// handler that already put t back keeps its own entry.
func (r *Runner) scheduleSuccessor(ctx context.Context, t task.Task, log logx.Logger) {
	if _, queued := r.queue.Get(t.Key()); queued {
		return
	}
	at, ok, err := r.policy.NextSuccess(ctx, t)
	if err != nil {
		log.Warn("task.successor.failed", logx.Err(err))
		return
	}
	if ok {
		r.queue.Put(t, at)
		log.Debug("task.successor.scheduled", logx.Time("at", at))
	}
}

// invoke calls the handler and turns a panic into a fatal result.
func (r *Runner) invoke(ctx context.Context, t task.Task, log logx.Logger) (res task.Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("task.panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			res = task.Fail(task.Fatal(fmt.Errorf("panic in %s: %v", t.Kind, p)))
		}
	}()
	return r.cat.Run(ctx, r.deps, t)
}

func (r *Runner) record(runID string, t task.Task, started time.Time, took time.Duration, outcome storage.Outcome, res task.Result) {
	run := storage.TaskRun{
		ID:        runID,
		Account:   r.id,
		Kind:      t.Kind,
		Village:   t.Village,
		StartedAt: started,
		Took:      took,
		Outcome:   outcome,
	}
	if err := res.Err(); err != nil {
		run.Error = err.Error()
	}
	if r.runs != nil {
		// The task context may already be cancelled; the record still goes in.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.runs.AppendTaskRun(ctx, run); err != nil {
			r.log.Warn("taskrun.append.failed", logx.Err(err))
		}
		cancel()
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFinished, Data: Finished{
			RunID:   runID,
			Account: r.id,
			Task:    t,
			Outcome: outcome,
			Took:    took,
			Error:   run.Error,
		}})
	}
}

// fatal records err, moves the account to Stopping and announces it. The
// manager finalizes Stopping -> Offline once the runner has exited.
func (r *Runner) fatal(err error) error {
	ok := r.h.guarded(func() {
		r.reg.SetLastError(r.id, err)
		if terr := r.reg.Transition(r.id, account.Stopping); terr != nil {
			r.log.Debug("runner.fatal.transition", logx.Err(terr))
		}
	})
	if !ok {
		return nil
	}
	r.log.Error("account.fatal", logx.Err(err))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeAccountFatal, Data: FatalEvent{Account: r.id, Error: err.Error()}})
	}
	return err
}
