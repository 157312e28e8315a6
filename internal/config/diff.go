package config

import (
	"reflect"
	"sort"
	"strings"

	logx "rubaz/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Tokens are never included, only whether
// they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol.Level != nl.Level || ol.Console != nl.Console || ol.File != nl.File ||
		ol.Telegram.Enabled != nl.Telegram.Enabled ||
		ol.Telegram.MinLevel != nl.Telegram.MinLevel ||
		ol.Telegram.RatePerSec != nl.Telegram.RatePerSec ||
		strings.TrimSpace(ol.Telegram.ChatID) != strings.TrimSpace(nl.Telegram.ChatID) ||
		ol.Telegram.Token != nl.Telegram.Token {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.telegram_enabled", nl.Telegram.Enabled),
			logx.Bool("logging.telegram_token_set", strings.TrimSpace(nl.Telegram.Token) != ""),
		)
	}

	oldS, ns := deref(oldCfg.Storage), deref(newCfg.Storage)
	if oldS != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(ns.BusyTimeout)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.allow_any_origin", newCfg.HTTP.AllowAnyOrigin),
		)
	}

	op, np := oldCfg.Pprof, newCfg.Pprof
	if op != np {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.prefix", strings.TrimSpace(np.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(np.Token) != ""),
		)
	}

	if oldCfg.Browser != newCfg.Browser {
		changed = append(changed, "browser")
		attrs = append(attrs, logx.String("browser.navigation_timeout", newCfg.Browser.NavigationTimeout))
	}

	if oldCfg.Runner != newCfg.Runner {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.String("runner.task_timeout", newCfg.Runner.TaskTimeout),
			logx.String("runner.idle_poll", newCfg.Runner.IdlePoll),
			logx.String("runner.stop_grace", newCfg.Runner.StopGrace),
		)
	}

	if !reflect.DeepEqual(oldCfg.Policy, newCfg.Policy) {
		changed = append(changed, "policy")
		attrs = append(attrs,
			logx.Int("policy.delays", len(newCfg.Policy.Delays)),
			logx.Int("policy.retry_max", newCfg.Policy.RetryMax),
			logx.String("policy.retry_base", newCfg.Policy.RetryBase),
		)
	}

	defN := DefaultNotifier()
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = &defN
	}
	if newN == nil {
		newN = &defN
	}
	if *oldN != *newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	if oldCfg.OnlineTime != newCfg.OnlineTime {
		changed = append(changed, "online_time")
		attrs = append(attrs,
			logx.String("online_time.tick", newCfg.OnlineTime.Tick),
			logx.String("online_time.flush", newCfg.OnlineTime.Flush),
		)
	}

	if !reflect.DeepEqual(oldCfg.Autostart, newCfg.Autostart) {
		changed = append(changed, "autostart")
		attrs = append(attrs, logx.Int("autostart.count", len(newCfg.Autostart)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
