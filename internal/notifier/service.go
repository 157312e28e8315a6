package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rubaz/internal/account"
	"rubaz/internal/eventbus"
	rtsup "rubaz/internal/runtime/supervisor"
	kit "rubaz/internal/transport"
	logx "rubaz/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const persistQueueSize = 1024

// Transport delivers messages and probes credentials.
type Transport interface {
	kit.Sender
	kit.CredentialTester
}

// Store is the persistence the notifier reads credentials from and keeps
// dedup state in. storage.Store satisfies it.
type Store interface {
	TelegramSettings(ctx context.Context, acc account.ID) (account.TelegramSettings, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Service queues notifications and delivers them from a worker pool under
// a shared rate limit. It is safe for concurrent use. Start and Stop may be
// called repeatedly; each Start gets a fresh queue.
type Service struct {
	log       logx.Logger
	transport Transport
	bus       eventbus.Bus
	store     Store
	recent    dedupCache
	history   history

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	run     *run

	// inflight counts Notify calls between the accepting check and the
	// queue send, so a drain never closes a queue under them.
	inflight sync.WaitGroup
}

// run is the state of one Start..Stop cycle.
type run struct {
	queue   chan job
	persist chan dedupWrite // nil unless dedup is persisted
	sup     *rtsup.Supervisor
	stopped chan struct{} // set by Stop, closed once drained
}

type job struct {
	n   Notification
	key string
}

func New(cfg Config, transport Transport, store Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		transport: transport,
		log:       log,
		bus:       bus,
		store:     store,
		recent:    dedupCache{until: map[string]time.Time{}},
		history:   history{max: historySize},
	}
	s.setConfig(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps rate, retry and dedup settings. Workers and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfig(cfg)
}

// setConfig needs s.mu unless called from New.
func (s *Service) setConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// burst == rate so one cycle's worth of alerts goes out at once.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Start launches the workers. It is a no-op when disabled or already
// running, and waits for a Stop that is still draining.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if r := s.run; r != nil && r.stopped != nil {
		done := r.stopped
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.run != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	r := &run{
		queue: make(chan job, s.cfg.QueueSize),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	if s.cfg.PersistDedup && s.store != nil {
		r.persist = make(chan dedupWrite, persistQueueSize)
	}
	workers := s.cfg.Workers
	s.run = r
	s.mu.Unlock()

	if r.persist != nil {
		r.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, r.persist)
			return s.loopExit(c, r, "dedup persist")
		})
	}
	for i := range workers {
		r.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, r.queue)
			return s.loopExit(c, r, "worker")
		})
	}
	s.log.Info("notifier.started", logx.Int("workers", workers), logx.Int("queue", cap(r.queue)))
}

// loopExit maps a loop return to the error GoRestart acts on: only an exit
// outside Stop and cancellation is restarted.
func (s *Service) loopExit(c context.Context, r *run, loop string) error {
	s.mu.Lock()
	draining := r.stopped != nil
	s.mu.Unlock()
	switch {
	case draining:
		return context.Canceled
	case c.Err() != nil:
		return c.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", loop)
}

// Stop refuses new notifications and lets the workers drain the queue. If
// ctx ends first the workers are canceled and the rest is dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return
	}
	first := r.stopped == nil
	if first {
		r.stopped = make(chan struct{})
	}
	done := r.stopped
	s.mu.Unlock()

	if first {
		go s.drain(r)
	}
	select {
	case <-done:
	case <-ctx.Done():
		if first {
			r.sup.Cancel()
		}
	}
}

func (s *Service) drain(r *run) {
	s.inflight.Wait()
	if r.persist != nil {
		close(r.persist)
	}
	close(r.queue)
	_ = r.sup.Wait(context.Background())

	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()
	close(r.stopped)
}
