// Package pprof mounts the runtime profiler on the API router.
//
// The endpoints are off unless enabled. A token, when set, is required as
// "Authorization: Bearer <token>" or "?token=<token>".
package pprof

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/go-chi/chi/v5"
)

type Config struct {
	Enabled bool
	Prefix  string
	Token   string

	MutexProfileFraction int
	BlockProfileRate     int
}

// ApplyRates sets the runtime profiling rates. Zero keeps them off.
func ApplyRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Mount registers the profiler under cfg.Prefix. It does nothing when the
// profiler is disabled.
func Mount(r chi.Router, cfg Config) {
	if !cfg.Enabled {
		return
	}
	ApplyRates(cfg)
	prefix := normalizePrefix(cfg.Prefix)
	r.Route(strings.TrimSuffix(prefix, "/"), func(r chi.Router) {
		r.Use(withToken(cfg.Token))
		r.Get("/", indexAt(prefix))
		r.Get("/cmdline", hpprof.Cmdline)
		r.Get("/profile", hpprof.Profile)
		r.Get("/symbol", hpprof.Symbol)
		r.Post("/symbol", hpprof.Symbol)
		r.Get("/trace", hpprof.Trace)
		r.Get("/{profile}", indexAt(prefix))
	})
}

func withToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// net/http/pprof.Index only understands /debug/pprof/; rewrite the path for
// custom prefixes.
func indexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}
