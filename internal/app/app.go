package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"rubaz/internal/account"
	"rubaz/internal/browser"
	"rubaz/internal/config"
	"rubaz/internal/eventbus"
	"rubaz/internal/httpapi"
	"rubaz/internal/notifier"
	"rubaz/internal/observability"
	"rubaz/internal/observability/pprof"
	"rubaz/internal/onlinetime"
	"rubaz/internal/runtime/supervisor"
	"rubaz/internal/storage"
	"rubaz/internal/task/manager"
	"rubaz/internal/task/registry"
	telegram "rubaz/internal/transport/telegram/adapter"
	logx "rubaz/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  *telegram.Adapter
	notif    *notifier.Service
	browsers *browser.HTTPFactory
	reg      *registry.Registry
	mgr      *manager.Manager
	metrics  *observability.Metrics

	addr    string
	api     *httpapi.Server
	httpSrv *http.Server

	started time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	// Mapping errors below were already rejected by validateMapped.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	adCfg, _ := mapAdapterConfig(cfg)
	ad := telegram.New(adCfg, bootLog)

	// The operator log sink sends through the same adapter as notifications.
	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("storage.opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	ncfg, _ := mapNotifierConfig(cfg)
	notif := notifier.New(ncfg, ad, store, log.With(logx.String("comp", "notifier")), bus)

	bcfg, _ := mapBrowserConfig(cfg)
	browsers := browser.NewHTTPFactory(bcfg, log.With(logx.String("comp", "browser")))

	reg := registry.New(bus)
	ocfg, _ := mapOnlineTimeConfig(cfg)
	online := onlinetime.New(ocfg, reg, store, log)

	mcfg, _ := mapManagerConfig(cfg)
	mgr := manager.New(manager.Options{
		Config:   mcfg,
		Registry: reg,
		Store:    store,
		Browsers: browsers,
		Notifier: notif,
		Online:   online,
		Bus:      bus,
		Log:      log,
	})

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		notif:    notif,
		browsers: browsers,
		reg:      reg,
		mgr:      mgr,
		metrics:  observability.NewMetrics(),
	}

	addr, hcfg := mapHTTPConfig(cfg)
	pprof.ApplyRates(hcfg.Pprof)
	a.addr = addr
	a.api = httpapi.New(httpapi.Options{
		Config:   hcfg,
		Control:  mgr,
		Store:    store,
		Telegram: notif,
		Metrics:  a.metrics,
		Bus:      bus,
		Log:      log,
		Health:   a.health,
	})
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound API address once Start returns.
func (a *App) Addr() string { return a.addr }

func (a *App) health() map[string]any {
	out := map[string]any{
		"accounts_running": len(a.mgr.Running()),
		"notifier":         a.notif.Enabled(),
		"supervisor":       a.sup.Snapshot(),
	}
	if !a.started.IsZero() {
		out["uptime"] = time.Since(a.started).Round(time.Second).String()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.started = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if err := a.mgr.Open(a.sup.Context()); err != nil {
		return err
	}

	accounts, err := a.store.ListAccounts(a.sup.Context())
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	a.metrics.Seed(a.reg.Snapshot(), len(accounts))
	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})

	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", a.addr, err)
	}
	a.addr = ln.Addr().String()
	a.httpSrv = &http.Server{
		Handler:           a.api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.sup.Go("http", func(context.Context) error {
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.log.Info("http.listening", logx.String("addr", a.addr))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.autostart(a.sup.Context(), a.cfgm.Get().Autostart)

	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdogLoop(c, a.log) })
	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app.started", logx.Int("accounts", len(accounts)))
	return nil
}

func (a *App) autostart(ctx context.Context, ids []int64) {
	for _, raw := range ids {
		id := account.ID(raw)
		if err := a.mgr.Start(ctx, id); err != nil {
			a.log.Warn("autostart.failed", logx.Account(raw), logx.Err(err))
			continue
		}
		a.log.Info("autostart", logx.Account(raw))
	}
}

// applyConfig pushes a committed reload into the live components. Storage,
// http and pprof changes need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config.reloaded.noop")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "http", "pprof":
			a.log.Warn("config.restart_required", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if mcfg, err := mapManagerConfig(newCfg); err != nil {
		a.log.Warn("config.manager.invalid", logx.Err(err))
	} else {
		a.mgr.Apply(mcfg)
	}
	if bcfg, err := mapBrowserConfig(newCfg); err != nil {
		a.log.Warn("config.browser.invalid", logx.Err(err))
	} else {
		a.browsers.Apply(bcfg)
	}

	prevNotif := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("config.notifier.invalid", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevNotif && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevNotif && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config.applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step runs one shutdown phase bounded by max and the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop.step.error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop.step.end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop.step.deadline",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.httpSrv == nil {
			return nil
		}
		return a.httpSrv.Shutdown(c)
	})
	// Accounts before storage: stopping flushes online time.
	step("accounts", 15*time.Second, func(c context.Context) error { a.mgr.Shutdown(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
