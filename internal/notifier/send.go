package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"rubaz/internal/account"
	"rubaz/internal/eventbus"
	kit "rubaz/internal/transport"
	logx "rubaz/pkg/logx"
)

const (
	sendTimeout    = 10 * time.Second
	persistTimeout = 250 * time.Millisecond
	historySize    = 300
)

// Send enqueues text for the account's configured chat. It returns nil
// without sending when the account has no credentials. The error reports
// enqueue problems only; delivery happens asynchronously.
func (s *Service) Send(ctx context.Context, acc account.ID, text string) error {
	if s.store == nil {
		return nil
	}
	ts, err := s.store.TelegramSettings(ctx, acc)
	if err != nil {
		return fmt.Errorf("telegram settings: %w", err)
	}
	if ts.Empty() {
		return nil
	}
	return s.Notify(ctx, Notification{
		Account: acc,
		Target:  kit.Credentials{Token: ts.BotToken, ChatID: ts.ChatID},
		Text:    text,
		Options: &kit.SendOptions{DisablePreview: true},
	})
}

// TestCredentials sends TestMessage synchronously, bypassing the queue.
// Empty or rejected credentials yield a *transport.CredentialError.
func (s *Service) TestCredentials(ctx context.Context, token, chatID string) error {
	to := kit.Credentials{Token: strings.TrimSpace(token), ChatID: strings.TrimSpace(chatID)}
	switch {
	case to.Empty():
		return &kit.CredentialError{Reason: "token or chat id is empty"}
	case s.transport == nil:
		return &kit.CredentialError{Reason: "no transport configured"}
	}
	return s.transport.TestCredentials(ctx, to, TestMessage)
}

// Notify enqueues n. A duplicate inside the dedup window is swallowed and
// reported as notifier.deduped.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	cfg, r := s.cfg, s.run
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case r == nil || r.stopped != nil:
		s.mu.Unlock()
		return ErrStopped
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && s.duplicate(ctx, key, cfg, r.persist) {
		s.emit(TypeDeduped, n.Account, key, nil)
		return nil
	}
	select {
	case r.queue <- job{n: n, key: key}:
		s.emit(TypeQueued, n.Account, key, nil)
		return nil
	default:
		s.emit(TypeDropped, n.Account, key, ErrQueueFull)
		s.log.Warn("notifier.dropped", logx.Account(int64(n.Account)), logx.Int("queue_cap", cap(r.queue)))
		return ErrQueueFull
	}
}

func (s *Service) History() []HistoryItem { return s.history.snapshot() }

func (s *Service) emit(typ string, acc account.ID, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Account: acc, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, persistTimeout)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("notifier.dedup.persist.failed", logx.Err(err))
			}
			cancel()
		}
	}
}

// deliver sends one job, retrying transient errors. Rejected credentials
// are final.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	if s.transport == nil || j.n.Text == "" {
		return
	}

	log := s.log.With(logx.Account(int64(j.n.Account)))
	attempts := cfg.RetryMax + 1
	var err error
	for attempt := 1; ; attempt++ {
		if lim.Wait(ctx) != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = s.transport.SendText(sctx, j.n.Target, j.n.Text, j.n.Options)
		cancel()
		if err == nil {
			s.history.add(j.n.Account, j.n.Text)
			s.emit(TypeSent, j.n.Account, j.key, nil)
			return
		}
		log.Debug("notifier.attempt.failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))

		var ce *kit.CredentialError
		if attempt >= attempts || errors.As(err, &ce) {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}
	log.Warn("notifier.failed", logx.Err(err))
	s.emit(TypeFailed, j.n.Account, j.key, err)
}

// retryDelay is the pause after a failed attempt: RetryBase doubled per
// attempt, scaled by a random 0.7..1.3, never above RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + 0.6*rand.Float64()))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// history is a bounded list of delivered messages, newest last.
type history struct {
	mu    sync.Mutex
	max   int
	items []HistoryItem
}

func (h *history) add(acc account.ID, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, HistoryItem{At: time.Now(), Account: acc, Text: text})
	if over := len(h.items) - h.max; over > 0 {
		h.items = append(h.items[:0:0], h.items[over:]...)
	}
}

func (h *history) snapshot() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryItem(nil), h.items...)
}
