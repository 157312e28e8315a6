// Package onlinetime accumulates how long each account was active today.
//
// Time counts while the account is Online and not sleeping. The total resets
// when the local date moves past the last activity date, and is flushed to
// the store periodically.
package onlinetime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rubaz/internal/account"
	"rubaz/internal/task"
	logx "rubaz/pkg/logx"
)

type Config struct {
	Tick  time.Duration
	Flush time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.Flush <= 0 {
		c.Flush = time.Minute
	}
	return c
}

type Store interface {
	GetAccount(ctx context.Context, id account.ID) (account.Account, error)
	SaveOnlineTime(ctx context.Context, id account.ID, online time.Duration, day time.Time) error
}

// StatusSource is the registry view the tracker needs.
type StatusSource interface {
	Status(id account.ID) account.Status
	CurrentTask(id account.ID) (task.Task, bool)
}

type counter struct {
	online   time.Duration
	day      time.Time
	lastTick time.Time
	dirty    bool
}

type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	status   StatusSource
	store    Store
	log      logx.Logger
	counters map[account.ID]*counter
	c        *cron.Cron
	now      func() time.Time
}

func New(cfg Config, status StatusSource, store Store, log logx.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg.withDefaults(),
		status:   status,
		store:    store,
		log:      log.With(logx.String("comp", "onlinetime")),
		counters: map[account.ID]*counter{},
		now:      time.Now,
	}
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.In(time.Local).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

// Start schedules tick, flush and the midnight reset. Calling it twice is a
// no-op.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(time.Local))
	specs := []struct {
		spec string
		job  func()
	}{
		{"@every " + t.cfg.Tick.String(), func() { t.Tick(t.now()) }},
		{"@every " + t.cfg.Flush.String(), func() { t.Flush(ctx) }},
		{"@midnight", func() {
			t.Tick(t.now())
			t.Flush(ctx)
		}},
	}
	for _, s := range specs {
		if _, err := c.AddFunc(s.spec, s.job); err != nil {
			return fmt.Errorf("onlinetime: schedule %q: %w", s.spec, err)
		}
	}
	c.Start()
	t.c = c
	t.log.Info("onlinetime.started", logx.Duration("tick", t.cfg.Tick), logx.Duration("flush", t.cfg.Flush))
	return nil
}

// Stop halts the cron jobs and flushes.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	t.Flush(ctx)
}

// Track begins counting id, seeded from the persisted value when it is from
// today.
func (t *Tracker) Track(ctx context.Context, id account.ID) error {
	acc, err := t.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	now := t.now()
	today := dayOf(now)
	c := &counter{day: today, lastTick: now}
	if sameDay(acc, today) {
		c.online = acc.OnlineTime
	} else if acc.OnlineTime > 0 {
		c.dirty = true
	}
	t.mu.Lock()
	t.counters[id] = c
	t.mu.Unlock()
	return nil
}

func sameDay(acc account.Account, today time.Time) bool {
	return !acc.LastActivityDate.IsZero() && !dayOf(acc.LastActivityDate).Before(today)
}

// Stored is the persisted total of an untracked account, zero when it was
// recorded on an earlier day.
func (t *Tracker) Stored(acc account.Account) time.Duration {
	if !sameDay(acc, dayOf(t.now())) {
		return 0
	}
	return acc.OnlineTime
}

// Untrack flushes and forgets id.
func (t *Tracker) Untrack(ctx context.Context, id account.ID) {
	t.Tick(t.now())
	t.mu.Lock()
	c := t.counters[id]
	delete(t.counters, id)
	t.mu.Unlock()
	if c != nil {
		t.save(ctx, id, c.online, c.day)
	}
}

// Get returns today's total for id (zero when untracked).
func (t *Tracker) Get(id account.ID) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.counters[id]; c != nil {
		return c.online
	}
	return 0
}

// Tick adds the time since the previous tick to every active account.
func (t *Tracker) Tick(now time.Time) {
	today := dayOf(now)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.counters {
		elapsed := now.Sub(c.lastTick)
		c.lastTick = now
		if today.After(c.day) {
			c.online = 0
			c.day = today
			c.dirty = true
			// Time before midnight belonged to yesterday.
			elapsed = now.Sub(today)
		}
		if elapsed <= 0 || !t.active(id) {
			continue
		}
		c.online += elapsed
		c.dirty = true
	}
}

func (t *Tracker) active(id account.ID) bool {
	if t.status.Status(id) != account.Online {
		return false
	}
	if cur, ok := t.status.CurrentTask(id); ok && cur.Kind == task.KindSleep {
		return false
	}
	return true
}

// Flush persists every changed counter.
func (t *Tracker) Flush(ctx context.Context) {
	type item struct {
		id     account.ID
		online time.Duration
		day    time.Time
	}
	t.mu.Lock()
	items := make([]item, 0, len(t.counters))
	for id, c := range t.counters {
		if c.dirty {
			items = append(items, item{id, c.online, c.day})
			c.dirty = false
		}
	}
	t.mu.Unlock()
	for _, it := range items {
		t.save(ctx, it.id, it.online, it.day)
	}
}

func (t *Tracker) save(ctx context.Context, id account.ID, online time.Duration, day time.Time) {
	if err := t.store.SaveOnlineTime(ctx, id, online, day); err != nil {
		t.log.Warn("onlinetime.flush.failed", logx.Account(int64(id)), logx.Err(err))
	}
}

// Text renders a total as hours with one decimal.
func Text(d time.Duration) string {
	return fmt.Sprintf("%.1f hours", d.Hours())
}

// Color is the display color of a total: red from 10h, orange from 8h.
func Color(d time.Duration) string {
	switch h := d.Hours(); {
	case h >= 10:
		return "red"
	case h >= 8:
		return "orange"
	default:
		return "black"
	}
}
