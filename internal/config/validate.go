package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks everything that can be checked without opening resources:
// duration syntax, ranges and enum values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := Duration(path, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", path))
		}
	}
	fraction := func(path string, v float64) {
		if v < 0 || v >= 1 {
			errs = append(errs, fmt.Errorf("%s: must be in [0, 1)", path))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	dur("browser.navigation_timeout", cfg.Browser.NavigationTimeout)
	dur("runner.task_timeout", cfg.Runner.TaskTimeout)
	dur("runner.idle_poll", cfg.Runner.IdlePoll)
	dur("runner.stop_grace", cfg.Runner.StopGrace)

	p := cfg.Policy
	for kind, raw := range p.Delays {
		dur("policy.delays."+kind, raw)
	}
	fraction("policy.jitter", p.Jitter)
	fraction("policy.retry_jitter", p.RetryJitter)
	nonNeg("policy.retry_max", p.RetryMax)
	dur("policy.min_delay", p.MinDelay)
	dur("policy.retry_base", p.RetryBase)
	dur("policy.retry_max_delay", p.RetryMaxDelay)

	if n := cfg.Notifier; n != nil {
		nonNeg("notifier.workers", n.Workers)
		nonNeg("notifier.queue_size", n.QueueSize)
		nonNeg("notifier.rate_per_sec", n.RatePerSec)
		nonNeg("notifier.retry_max", n.RetryMax)
		nonNeg("notifier.dedup_max_entries", n.DedupMaxEntries)
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
		dur("notifier.timeout", n.Timeout)
	}

	dur("online_time.tick", cfg.OnlineTime.Tick)
	dur("online_time.flush", cfg.OnlineTime.Flush)

	if t := cfg.Logging.Telegram; t.Enabled && (strings.TrimSpace(t.Token) == "" || strings.TrimSpace(t.ChatID) == "") {
		errs = append(errs, errors.New("logging.telegram: token and chat_id are required when enabled"))
	}
	nonNeg("logging.telegram.rate_per_sec", cfg.Logging.Telegram.RatePerSec)

	seen := map[int64]bool{}
	for _, id := range cfg.Autostart {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("autostart: invalid account id %d", id))
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("autostart: duplicate account id %d", id))
		}
		seen[id] = true
	}
	return errors.Join(errs...)
}
