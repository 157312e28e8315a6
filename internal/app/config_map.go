package app

import (
	"errors"
	"strings"
	"time"

	"rubaz/internal/browser"
	"rubaz/internal/config"
	"rubaz/internal/httpapi"
	"rubaz/internal/notifier"
	"rubaz/internal/observability/pprof"
	"rubaz/internal/onlinetime"
	"rubaz/internal/task"
	"rubaz/internal/task/manager"
	"rubaz/internal/task/policy"
	"rubaz/internal/task/runner"
	telegram "rubaz/internal/transport/telegram/adapter"
	logx "rubaz/pkg/logx"
)

const defaultHTTPAddr = "127.0.0.1:8080"

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			Token:      l.Telegram.Token,
			ChatID:     l.Telegram.ChatID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// effectiveNotifier treats an omitted section as the defaults.
func effectiveNotifier(cfg *config.Config) config.NotifierConfig {
	if cfg == nil || cfg.Notifier == nil {
		return config.DefaultNotifier()
	}
	return *cfg.Notifier
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := effectiveNotifier(cfg)
	retryBase, err := config.Duration("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.Duration("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.Duration("notifier.dedup_window", n.DedupWindow, time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	if retryMax < retryBase {
		return notifier.Config{}, errors.New("notifier.retry_max_delay must be >= notifier.retry_base")
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	n := effectiveNotifier(cfg)
	timeout, err := config.Duration("notifier.timeout", n.Timeout, 0)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{APIURL: strings.TrimSpace(n.APIURL), Timeout: timeout}, nil
}

func mapBrowserConfig(cfg *config.Config) (browser.Config, error) {
	nav, err := config.Duration("browser.navigation_timeout", cfg.Browser.NavigationTimeout, 0)
	if err != nil {
		return browser.Config{}, err
	}
	return browser.Config{UserAgent: strings.TrimSpace(cfg.Browser.UserAgent), NavigationTimeout: nav}, nil
}

func mapManagerConfig(cfg *config.Config) (manager.Config, error) {
	r := cfg.Runner
	taskTimeout, err := config.Duration("runner.task_timeout", r.TaskTimeout, 0)
	if err != nil {
		return manager.Config{}, err
	}
	idle, err := config.Duration("runner.idle_poll", r.IdlePoll, 0)
	if err != nil {
		return manager.Config{}, err
	}
	grace, err := config.Duration("runner.stop_grace", r.StopGrace, 0)
	if err != nil {
		return manager.Config{}, err
	}
	pol, err := mapPolicyConfig(cfg)
	if err != nil {
		return manager.Config{}, err
	}
	return manager.Config{
		Runner:    runner.Config{TaskTimeout: taskTimeout, IdlePoll: idle},
		Policy:    pol,
		StopGrace: grace,
	}, nil
}

func mapPolicyConfig(cfg *config.Config) (policy.Config, error) {
	p := cfg.Policy
	out := policy.Config{
		Jitter:      p.Jitter,
		RetryJitter: p.RetryJitter,
		RetryMax:    p.RetryMax,
	}
	var err error
	if out.MinDelay, err = config.Duration("policy.min_delay", p.MinDelay, 0); err != nil {
		return policy.Config{}, err
	}
	if out.RetryBase, err = config.Duration("policy.retry_base", p.RetryBase, 0); err != nil {
		return policy.Config{}, err
	}
	if out.RetryMaxDelay, err = config.Duration("policy.retry_max_delay", p.RetryMaxDelay, 0); err != nil {
		return policy.Config{}, err
	}
	if len(p.Delays) > 0 {
		out.Delays = make(map[task.Kind]time.Duration, len(p.Delays))
		for kind, raw := range p.Delays {
			d, err := config.Duration("policy.delays."+kind, raw, 0)
			if err != nil {
				return policy.Config{}, err
			}
			if d > 0 {
				out.Delays[task.Kind(strings.TrimSpace(kind))] = d
			}
		}
	}
	return out, nil
}

func mapOnlineTimeConfig(cfg *config.Config) (onlinetime.Config, error) {
	tick, err := config.Duration("online_time.tick", cfg.OnlineTime.Tick, 0)
	if err != nil {
		return onlinetime.Config{}, err
	}
	flush, err := config.Duration("online_time.flush", cfg.OnlineTime.Flush, 0)
	if err != nil {
		return onlinetime.Config{}, err
	}
	return onlinetime.Config{Tick: tick, Flush: flush}, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	p := cfg.Pprof
	return pprof.Config{
		Enabled:              p.Enabled,
		Prefix:               p.Prefix,
		Token:                p.Token,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
	}
}

func mapHTTPConfig(cfg *config.Config) (addr string, out httpapi.Config) {
	addr = strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	return addr, httpapi.Config{AllowAnyOrigin: cfg.HTTP.AllowAnyOrigin, Pprof: mapPprofConfig(cfg)}
}

// validateMapped runs every mapping so a reload is rejected by the same rules
// the boot path applies.
func validateMapped(cfg *config.Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapStorageConfig(cfg)
	collect(err)
	_, err = mapNotifierConfig(cfg)
	collect(err)
	_, err = mapAdapterConfig(cfg)
	collect(err)
	_, err = mapBrowserConfig(cfg)
	collect(err)
	_, err = mapManagerConfig(cfg)
	collect(err)
	_, err = mapOnlineTimeConfig(cfg)
	collect(err)
	return errors.Join(errs...)
}
