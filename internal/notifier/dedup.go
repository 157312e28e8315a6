package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const dedupLookupTimeout = 25 * time.Millisecond

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupKey identifies a message by account, chat and text.
func dedupKey(n Notification) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s|%s", n.Account, n.Target.ChatID, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

// duplicate reports whether key was seen inside the window. A fresh key is
// remembered for cfg.DedupWindow and, when persisted, written behind.
func (s *Service) duplicate(ctx context.Context, key string, cfg Config, persist chan<- dedupWrite) bool {
	now := time.Now()
	if s.recent.active(key, now) {
		return true
	}
	// The store survives restarts. The lookup is best-effort and tightly
	// bounded so Notify never waits on disk for long.
	if persist != nil {
		lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.recent.hold(key, until, now, cfg.DedupMaxEntries)
			return true
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.recent.hold(key, until, now, cfg.DedupMaxEntries)
	if persist != nil {
		select {
		case persist <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return false
}

// dedupCache maps message keys to the end of their suppression window.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func (c *dedupCache) active(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.until[key]
	return ok && now.Before(u)
}

// hold records key, then drops expired entries and, past limit, the ones
// expiring soonest.
func (c *dedupCache) hold(key string, until, now time.Time, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = until
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	for limit > 0 && len(c.until) > limit {
		var victim string
		var soonest time.Time
		for k, u := range c.until {
			if victim == "" || u.Before(soonest) {
				victim, soonest = k, u
			}
		}
		delete(c.until, victim)
	}
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}
