// Package manager owns the runner of every active account and the control
// operations on it.
//
// Operations on one account are serialized by a per-account mutex; different
// accounts never contend beyond the short handle-map lock.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/browser"
	"rubaz/internal/command"
	"rubaz/internal/eventbus"
	"rubaz/internal/onlinetime"
	rtsup "rubaz/internal/runtime/supervisor"
	"rubaz/internal/task"
	"rubaz/internal/task/catalog"
	"rubaz/internal/task/policy"
	"rubaz/internal/task/registry"
	"rubaz/internal/task/runner"
	"rubaz/internal/task/schedule"
	logx "rubaz/pkg/logx"
)

var (
	ErrAlreadyRunning = errors.New("account already running")
	ErrNotRunning     = errors.New("account not running")
	ErrNoTribe        = errors.New("account has no tribe chosen")
	ErrNotOffline     = errors.New("account is not offline")
)

// Store is everything the manager and its runners persist through.
// storage.Store satisfies it.
type Store interface {
	command.Store
	runner.RunRecorder
	onlinetime.Store
	ListAccounts(ctx context.Context) ([]account.Account, error)
	DeleteAccount(ctx context.Context, id account.ID) error
}

type Config struct {
	Runner    runner.Config
	Policy    policy.Config
	StopGrace time.Duration
}

func (c Config) stopGrace() time.Duration {
	if c.StopGrace <= 0 {
		return 10 * time.Second
	}
	return c.StopGrace
}

type Options struct {
	Config   Config
	Registry *registry.Registry
	Store    Store
	Browsers browser.Factory
	Notifier command.Notifier
	Catalog  *catalog.Catalog
	Online   *onlinetime.Tracker
	Bus      eventbus.Bus
	Log      logx.Logger
}

// run is the manager-side state of one live runner.
type run struct {
	handle   *runner.Handle
	sup      *rtsup.Supervisor
	queue    *schedule.Queue
	policy   *policy.Policy
	holder   *browser.Holder
	stopping bool
}

type Manager struct {
	base   context.Context
	cancel context.CancelFunc

	reg      *registry.Registry
	store    Store
	browsers browser.Factory
	notifier command.Notifier
	cat      *catalog.Catalog
	online   *onlinetime.Tracker
	bus      eventbus.Bus
	log      logx.Logger

	cfg atomic.Pointer[Config]

	mu    sync.Mutex
	locks map[account.ID]*sync.Mutex
	runs  map[account.ID]*run
}

func New(o Options) *Manager {
	log := o.Log.With(logx.String("comp", "manager"))
	cat := o.Catalog
	if cat == nil {
		cat = catalog.New()
	}
	online := o.Online
	if online == nil {
		online = onlinetime.New(onlinetime.Config{}, o.Registry, o.Store, o.Log)
	}
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		base:     base,
		cancel:   cancel,
		reg:      o.Registry,
		store:    o.Store,
		browsers: o.Browsers,
		notifier: o.Notifier,
		cat:      cat,
		online:   online,
		bus:      o.Bus,
		log:      log,
		locks:    map[account.ID]*sync.Mutex{},
		runs:     map[account.ID]*run{},
	}
	cfg := o.Config
	m.cfg.Store(&cfg)
	return m
}

// Apply swaps runner and policy settings. Running accounts pick them up at
// their next task.
func (m *Manager) Apply(cfg Config) {
	m.cfg.Store(&cfg)
	m.mu.Lock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()
	for _, r := range runs {
		r.policy.Apply(cfg.Policy)
	}
}

func (m *Manager) config() Config { return *m.cfg.Load() }

func (m *Manager) lock(id account.ID) func() {
	m.mu.Lock()
	l := m.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) getRun(id account.ID) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

// Start launches the account's runner. The account must be Offline, exist
// in the store and have a tribe chosen.
func (m *Manager) Start(ctx context.Context, id account.ID) error {
	unlock := m.lock(id)
	defer unlock()

	if m.getRun(id) != nil {
		return ErrAlreadyRunning
	}
	if err := account.CheckTransition(m.reg.Status(id), account.Starting); err != nil {
		return err
	}
	acc, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("load account %s: %w", id, err)
	}
	set, err := m.store.AccountSettings(ctx, id)
	if err != nil {
		return fmt.Errorf("load settings %s: %w", id, err)
	}
	if set[account.Tribe] == account.TribeAny {
		return ErrNoTribe
	}

	if err := m.reg.Transition(id, account.Starting); err != nil {
		return err
	}
	m.reg.SetLastError(id, nil)

	cfg := m.config()
	log := m.log.With(logx.Account(int64(id)))
	q := schedule.NewQueue()
	pol := policy.New(id, cfg.Policy, m.store)
	holder := browser.NewHolder(m.browsers, acc)
	h := runner.NewHandle(id, m.reg)
	deps := &command.Deps{
		Account:  id,
		Browser:  holder,
		Store:    m.store,
		Notifier: m.notifier,
		Policy:   pol,
		Schedule: q,
		Log:      log,
	}
	r := runner.New(runner.Options{
		Handle:   h,
		Registry: m.reg,
		Queue:    q,
		Policy:   pol,
		Catalog:  m.cat,
		Deps:     deps,
		Runs:     m.store,
		Bus:      m.bus,
		Log:      m.log,
		Config:   func() runner.Config { return m.config().Runner },
	})

	if err := m.online.Track(ctx, id); err != nil {
		log.Warn("onlinetime.track.failed", logx.Err(err))
	}

	sup := rtsup.New(m.base, rtsup.WithLogger(log))
	rn := &run{handle: h, sup: sup, queue: q, policy: pol, holder: holder}
	m.mu.Lock()
	m.runs[id] = rn
	m.mu.Unlock()

	sup.Go("runner", r.Run)
	go m.watch(id, rn)
	log.Info("account.started", logx.String("username", acc.Username))
	return nil
}

// watch finalizes a runner that exited on its own (fatal error). Runs
// stopped through Stop are finalized there.
func (m *Manager) watch(id account.ID, rn *run) {
	<-rn.sup.Done()
	unlock := m.lock(id)
	defer unlock()
	if m.getRun(id) != rn || rn.stopping {
		return
	}
	m.log.Warn("account.exited", logx.Account(int64(id)), logx.String("last_error", m.reg.LastError(id)))
	m.finalize(context.Background(), id, rn)
}

// finalize moves the account to Offline and releases its resources. Caller
// holds the account lock.
func (m *Manager) finalize(ctx context.Context, id account.ID, rn *run) {
	if err := rn.holder.Close(); err != nil {
		m.log.Warn("browser.close.failed", logx.Account(int64(id)), logx.Err(err))
	}
	switch m.reg.Status(id) {
	case account.Offline:
	case account.Stopping:
		_ = m.reg.Transition(id, account.Offline)
	default:
		_ = m.reg.Transition(id, account.Stopping)
		_ = m.reg.Transition(id, account.Offline)
	}
	m.reg.ClearCurrentTask(id)
	m.online.Untrack(ctx, id)

	m.mu.Lock()
	if m.runs[id] == rn {
		delete(m.runs, id)
	}
	m.mu.Unlock()
}

// Stop stops a running account, waiting up to the stop grace for its loop
// to exit. A loop still running after that is abandoned.
func (m *Manager) Stop(ctx context.Context, id account.ID) error {
	unlock := m.lock(id)
	defer unlock()
	return m.stopLocked(ctx, id, false)
}

func (m *Manager) stopLocked(ctx context.Context, id account.ID, force bool) error {
	rn := m.getRun(id)
	if rn == nil {
		return ErrNotRunning
	}
	// A fatal runner may already have moved itself to Stopping.
	if st := m.reg.Status(id); !force && st == account.Offline {
		return fmt.Errorf("%w: account is %s", account.ErrInvalidTransition, st)
	}
	// Count the time up to now while the account still reads as Online.
	m.online.Tick(time.Now())
	if m.reg.Status(id) != account.Stopping {
		if err := m.reg.Transition(id, account.Stopping); err != nil && !force {
			return err
		}
	}
	rn.stopping = true

	rn.handle.CancelTask()
	rn.sup.Cancel()
	rn.handle.Signal()

	// The grace and the final writes outlive the caller's context.
	bg := context.WithoutCancel(ctx)
	gctx, cancel := context.WithTimeout(bg, m.config().stopGrace())
	defer cancel()
	if err := rn.sup.Wait(gctx); err != nil && gctx.Err() != nil {
		rn.handle.Abandon()
		m.log.Warn("manager.stop.abandoned", logx.Account(int64(id)), logx.Duration("grace", m.config().stopGrace()))
	}
	m.finalize(bg, id, rn)
	m.log.Info("account.stopped", logx.Account(int64(id)))
	return nil
}

// Pause moves Online -> Pausing and cancels the in-flight task; the runner
// reaches Paused at its next checkpoint.
func (m *Manager) Pause(id account.ID) error {
	unlock := m.lock(id)
	defer unlock()
	rn := m.getRun(id)
	if rn == nil {
		return ErrNotRunning
	}
	if err := m.reg.TransitionFrom(id, account.Online, account.Pausing); err != nil {
		return err
	}
	rn.handle.CancelTask()
	rn.handle.Signal()
	return nil
}

func (m *Manager) Resume(id account.ID) error {
	unlock := m.lock(id)
	defer unlock()
	rn := m.getRun(id)
	if rn == nil {
		return ErrNotRunning
	}
	if err := m.reg.TransitionFrom(id, account.Paused, account.Online); err != nil {
		return err
	}
	rn.handle.Signal()
	return nil
}

// Restart re-initializes a paused account: the schedule is cleared and a
// fresh AccountInit is queued.
func (m *Manager) Restart(id account.ID) error {
	unlock := m.lock(id)
	defer unlock()
	rn := m.getRun(id)
	if rn == nil {
		return ErrNotRunning
	}
	if err := m.reg.TransitionFrom(id, account.Paused, account.Starting); err != nil {
		return err
	}
	m.clear(id, rn)
	rn.queue.Put(task.New(task.KindAccountInit, id), time.Now())
	if err := m.reg.TransitionFrom(id, account.Starting, account.Online); err != nil {
		return err
	}
	rn.handle.Signal()
	return nil
}

// Clear drops every schedule entry, retry streak and the current task.
// Persisted configuration is untouched.
func (m *Manager) Clear(id account.ID) error {
	unlock := m.lock(id)
	defer unlock()
	rn := m.getRun(id)
	if rn == nil {
		return ErrNotRunning
	}
	m.clear(id, rn)
	return nil
}

func (m *Manager) clear(id account.ID, rn *run) {
	rn.queue.Clear()
	rn.policy.Reset()
	m.reg.ClearCurrentTask(id)
}

// Delete removes an Offline account and everything stored for it.
func (m *Manager) Delete(ctx context.Context, id account.ID) error {
	unlock := m.lock(id)
	defer unlock()
	if m.getRun(id) != nil || m.reg.Status(id) != account.Offline {
		return ErrNotOffline
	}
	if err := m.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	m.reg.Forget(id)
	return nil
}

func (m *Manager) Status(id account.ID) account.Status { return m.reg.Status(id) }

func (m *Manager) CurrentTask(id account.ID) (task.Task, bool) { return m.reg.CurrentTask(id) }

func (m *Manager) LastError(id account.ID) string { return m.reg.LastError(id) }

func (m *Manager) OnlineTime(id account.ID) time.Duration { return m.online.Get(id) }

// Schedule returns the pending entries of a running account.
func (m *Manager) Schedule(id account.ID) ([]schedule.Entry, error) {
	rn := m.getRun(id)
	if rn == nil {
		return nil, ErrNotRunning
	}
	return rn.queue.Entries(), nil
}

// AccountView is one row of the account listing.
type AccountView struct {
	account.Account
	Status      account.Status `json:"status"`
	StatusColor string         `json:"status_color"`
	PauseText   string         `json:"pause_text"`
	Current     *task.Task     `json:"current_task,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	OnlineText  string         `json:"online_time_text"`
	OnlineColor string         `json:"online_time_color"`
}

func (m *Manager) View(acc account.Account) AccountView {
	st := m.reg.Status(acc.ID)
	v := AccountView{
		Account:     acc,
		Status:      st,
		StatusColor: st.Color(),
		PauseText:   st.PauseText(),
		LastError:   m.reg.LastError(acc.ID),
	}
	if cur, ok := m.reg.CurrentTask(acc.ID); ok {
		v.Current = &cur
	}
	var online time.Duration
	if m.getRun(acc.ID) != nil {
		online = m.online.Get(acc.ID)
	} else {
		online = m.online.Stored(acc)
	}
	v.OnlineTime = online
	v.OnlineText = onlinetime.Text(online)
	v.OnlineColor = onlinetime.Color(online)
	return v
}

// Accounts lists every stored account with its live state.
func (m *Manager) Accounts(ctx context.Context) ([]AccountView, error) {
	accs, err := m.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AccountView, 0, len(accs))
	for _, a := range accs {
		out = append(out, m.View(a))
	}
	return out, nil
}

// Running returns the ids of accounts with a live runner.
func (m *Manager) Running() []account.ID {
	m.mu.Lock()
	out := make([]account.ID, 0, len(m.runs))
	for id := range m.runs {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Open starts the background online-time accounting.
func (m *Manager) Open(ctx context.Context) error {
	return m.online.Start(ctx)
}

// Shutdown force-stops every running account, then stops the online-time
// tracker. Accounts stop concurrently.
func (m *Manager) Shutdown(ctx context.Context) {
	ids := m.Running()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id account.ID) {
			defer wg.Done()
			unlock := m.lock(id)
			defer unlock()
			if err := m.stopLocked(ctx, id, true); err != nil && !errors.Is(err, ErrNotRunning) {
				m.log.Warn("manager.shutdown.stop.failed", logx.Account(int64(id)), logx.Err(err))
			}
		}(id)
	}
	wg.Wait()
	m.online.Stop(ctx)
	m.cancel()
	m.log.Info("manager.shutdown", logx.Int("accounts", len(ids)))
}
