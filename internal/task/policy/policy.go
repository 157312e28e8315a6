// Package policy computes when a task becomes eligible again.
package policy

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/task"
)

// ErrRetryCapExceeded is returned (classified fatal) by Failed once a task key
// has failed more than RetryMax times in a row.
var ErrRetryCapExceeded = errors.New("retry cap exceeded")

type Config struct {
	// Delays is the success delay base per kind. Kinds missing here (other
	// than update_village, which reads village settings) have no successor.
	Delays map[task.Kind]time.Duration
	// Jitter is the +/- fraction applied to Delays.
	Jitter   float64
	MinDelay time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
	RetryMax      int
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	return c
}

// VillageSettingsReader resolves village refresh intervals.
type VillageSettingsReader interface {
	VillageSettings(ctx context.Context, acc account.ID, v account.VillageID) (account.VillageSettings, error)
}

// Policy is the next-execution policy of one account. It is safe for
// concurrent use.
type Policy struct {
	acc      account.ID
	villages VillageSettingsReader

	mu      sync.Mutex
	cfg     Config
	rng     *rand.Rand
	streaks map[string]int

	now func() time.Time
}

func New(acc account.ID, cfg Config, villages VillageSettingsReader) *Policy {
	h := fnv.New64a()
	_, _ = h.Write([]byte(acc.String()))
	seed := time.Now().UnixNano() ^ int64(h.Sum64())
	return &Policy{
		acc:      acc,
		villages: villages,
		cfg:      cfg.withDefaults(),
		rng:      rand.New(rand.NewSource(seed)),
		streaks:  map[string]int{},
		now:      time.Now,
	}
}

// Apply swaps the configuration. Streaks are kept.
func (p *Policy) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

// Uniform draws a delay from [min, max]. min is floored at MinDelay and
// max is raised to min if needed.
func (p *Policy) Uniform(minD, maxD time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uniformLocked(minD, maxD)
}

func (p *Policy) uniformLocked(minD, maxD time.Duration) time.Duration {
	if minD < p.cfg.MinDelay {
		minD = p.cfg.MinDelay
	}
	if maxD < minD {
		maxD = minD
	}
	if maxD == minD {
		return minD
	}
	return minD + time.Duration(p.rng.Int63n(int64(maxD-minD)+1))
}

// NextSuccess returns the successor time of t after a successful run. ok is
// false when the kind has no periodic successor.
func (p *Policy) NextSuccess(ctx context.Context, t task.Task) (at time.Time, ok bool, err error) {
	now := p.now()
	if t.Kind == task.KindUpdateVillage {
		vs := account.DefaultVillageSettings()
		if p.villages != nil {
			got, err := p.villages.VillageSettings(ctx, t.Account, t.Village)
			if err != nil {
				return time.Time{}, false, fmt.Errorf("village settings: %w", err)
			}
			vs = got
		}
		lo := time.Duration(vs[account.AutoRefreshMin]) * time.Minute
		hi := time.Duration(vs[account.AutoRefreshMax]) * time.Minute
		return now.Add(p.Uniform(lo, hi)), true, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	base, found := p.cfg.Delays[t.Kind]
	if !found || base <= 0 {
		return time.Time{}, false, nil
	}
	j := time.Duration(float64(base) * p.cfg.Jitter)
	return now.Add(p.uniformLocked(base-j, base+j)), true, nil
}

// Succeeded resets the failure streak of t's key.
func (p *Policy) Succeeded(t task.Task) {
	p.mu.Lock()
	delete(p.streaks, t.Key())
	p.mu.Unlock()
}

// Failed records a recoverable failure and returns the retry time. Once the
// streak exceeds RetryMax the returned error is fatal and at is zero.
func (p *Policy) Failed(t task.Task, r task.Result) (at time.Time, attempt int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := t.Key()
	p.streaks[k]++
	attempt = p.streaks[k]
	if attempt > p.cfg.RetryMax {
		delete(p.streaks, k)
		return time.Time{}, attempt, task.Fatal(fmt.Errorf("%w after %d attempts: %v", ErrRetryCapExceeded, attempt, r.Err()))
	}

	d := p.backoffLocked(attempt)
	if hint, ok := task.RetryHint(r); ok {
		d = p.jitterLocked(hint)
	}
	return p.now().Add(d), attempt, nil
}

// Streak returns the current consecutive failure count of key.
func (p *Policy) Streak(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaks[key]
}

// Reset drops every streak.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.streaks = map[string]int{}
	p.mu.Unlock()
}

func (p *Policy) backoffLocked(retry int) time.Duration {
	d := p.cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.cfg.RetryMaxDelay {
			d = p.cfg.RetryMaxDelay
			break
		}
	}
	return p.jitterLocked(d)
}

func (p *Policy) jitterLocked(d time.Duration) time.Duration {
	maxD := p.cfg.RetryMaxDelay
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	if j := p.cfg.RetryJitter; j > 0 && d > 0 {
		r := (p.rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < p.cfg.MinDelay {
		d = p.cfg.MinDelay
	}
	if d > maxD {
		d = maxD
	}
	return d
}
