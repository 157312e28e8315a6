package config

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "rubaz/pkg/logx"
)

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second

	reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
)

// Watch reloads the file on change until ctx is done. It watches the parent
// directory so editors that replace the file by rename are seen. A broken
// watcher is rebuilt after a jittered, doubling pause.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	log := m.log.With(logx.String("dir", dir))

	deb := &debouncer{wait: m.debounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()

	pause := watchRetryMin
	for ctx.Err() == nil {
		w, err := openWatcher(dir)
		if err != nil {
			log.Warn("config.watch.init.failed", logx.Err(err))
		} else {
			pause = watchRetryMin
			log.Debug("config.watch.started", logx.String("file", file))
			broken := m.consume(ctx, w, file, deb)
			_ = w.Close()
			if !broken {
				return nil
			}
			log.Warn("config.watch.restarting", logx.Duration("backoff", pause))
		}
		if !sleepCtx(ctx, jitter(pause)) {
			return nil
		}
		pause = min(2*pause, watchRetryMax)
	}
	return nil
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// consume handles watcher events and reports whether the watcher broke
// (true) rather than ctx ending (false).
func (m *Manager) consume(ctx context.Context, w *fsnotify.Watcher, file string, deb *debouncer) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			if ev.Op&reloadOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				deb.trigger()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return true
			case err == nil:
			case strings.Contains(strings.ToLower(err.Error()), "overflow"):
				// Events were lost; one reload catches up.
				m.log.Warn("config.watch.overflow", logx.Err(err))
				deb.trigger()
			default:
				m.log.Warn("config.watch.error", logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					return true
				}
			}
		}
	}
}

// debouncer runs fn once the triggers have been quiet for wait.
type debouncer struct {
	wait time.Duration
	fn   func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// jitter adds up to 50% to d.
func jitter(d time.Duration) time.Duration {
	return d + rand.N(d/2+1)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
