package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"sync"
	"time"

	logx "rubaz/pkg/logx"
)

const (
	defaultDebounce  = 250 * time.Millisecond
	validatorTimeout = 5 * time.Second
)

// Validator checks a parsed config against the live components before a
// reload is committed. Validate has already passed when it runs.
type Validator func(ctx context.Context, cfg *Config) error

// Manager owns the committed config of one file. Reloads go through Parse,
// Validate and the Validator, and only then reach subscribers.
type Manager struct {
	path     string
	debounce time.Duration
	log      logx.Logger
	check    Validator

	mu          sync.RWMutex
	cfg         *Config
	fingerprint uint64

	// subsMu is held while sending so Unsubscribe never closes a channel
	// that publish is writing to.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		debounce: defaultDebounce,
		log:      logx.Nop(),
		subs:     map[chan *Config]struct{}{},
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) SetValidator(v Validator) { m.check = v }

// Parse reads and decodes the file without validating it.
func (m *Manager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, data)
}

// Load parses, validates and commits the file. Nothing is committed on
// error.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

// Get returns the committed config, nil before the first Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config, fp uint64) {
	m.mu.Lock()
	m.cfg, m.fingerprint = cfg, fp
	m.mu.Unlock()
}

// Subscribe returns a channel that receives each committed reload. A slow
// reader only ever misses intermediate configs, never the latest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; !ok {
		return
	}
	delete(m.subs, ch)
	close(ch)
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if !offerNewest(ch, cfg) {
			m.log.Debug("config.update.dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerNewest sends cfg, evicting one stale entry if ch is full.
func offerNewest(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload is the debounced body of Watch.
func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config.parse.failed", logx.Err(err))
		return
	}
	fp := fingerprint(cfg)
	m.mu.RLock()
	same := fp != 0 && fp == m.fingerprint
	m.mu.RUnlock()
	if same {
		log.Debug("config.unchanged")
		return
	}
	if err := m.accept(ctx, cfg); err != nil {
		log.Warn("config.rejected", logx.Err(err))
		return
	}
	m.commit(cfg, fp)
	m.publish(cfg)
	log.Info("config.reloaded", logx.Any("fingerprint", fp))
}

func (m *Manager) accept(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.check == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, validatorTimeout)
	defer cancel()
	return m.check(ctx, cfg)
}

// fingerprint hashes the canonical JSON form; 0 means unknown.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
