package config

// Config is the process configuration file, JSON or YAML.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted durations and counts fall back to the component defaults.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	HTTP       HTTPConfig       `json:"http"`
	Pprof      PprofConfig      `json:"pprof,omitempty"`
	Browser    BrowserConfig    `json:"browser"`
	Runner     RunnerConfig     `json:"runner"`
	Policy     PolicyConfig     `json:"policy"`
	Notifier   *NotifierConfig  `json:"notifier,omitempty"`
	OnlineTime OnlineTimeConfig `json:"online_time"`

	// Autostart lists account ids started at boot.
	Autostart []int64 `json:"autostart,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram routes warnings and errors to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./rubaz.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type HTTPConfig struct {
	// Addr defaults to "127.0.0.1:8080".
	Addr string `json:"addr,omitempty"`
	// AllowAnyOrigin accepts websocket upgrades from any Origin.
	AllowAnyOrigin bool `json:"allow_any_origin,omitempty"`
}

// PprofConfig mounts the profiler on the API listener.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token   string `json:"token,omitempty"`  // optional bearer token (do not log)

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type BrowserConfig struct {
	UserAgent         string `json:"user_agent,omitempty"`
	NavigationTimeout string `json:"navigation_timeout,omitempty"`
}

type RunnerConfig struct {
	TaskTimeout string `json:"task_timeout,omitempty"`
	IdlePoll    string `json:"idle_poll,omitempty"`
	StopGrace   string `json:"stop_grace,omitempty"`
}

// PolicyConfig controls successor and retry timing.
//
// Delays maps a task kind to its success delay. update_village is driven by
// village settings and ignores this map.
type PolicyConfig struct {
	Delays      map[string]string `json:"delays,omitempty"`
	Jitter      float64           `json:"jitter,omitempty"`
	MinDelay    string            `json:"min_delay,omitempty"`
	RetryBase   string            `json:"retry_base,omitempty"`
	RetryMax    int               `json:"retry_max,omitempty"`
	RetryJitter float64           `json:"retry_jitter,omitempty"`
	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// NotifierConfig controls per-account Telegram notifications.
//
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	// APIURL overrides the Bot API base (tests, self-hosted Bot API).
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type OnlineTimeConfig struct {
	Tick  string `json:"tick,omitempty"`
	Flush string `json:"flush,omitempty"`
}

// DefaultNotifier is the effective notifier section when it is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}
