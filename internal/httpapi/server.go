// Package httpapi is the operator HTTP surface: account control, settings,
// metrics and a websocket stream of bus events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"rubaz/internal/account"
	"rubaz/internal/eventbus"
	"rubaz/internal/observability"
	"rubaz/internal/observability/pprof"
	"rubaz/internal/storage"
	"rubaz/internal/task/manager"
	"rubaz/internal/task/schedule"
	kit "rubaz/internal/transport"
	logx "rubaz/pkg/logx"
)

// Control is the account lifecycle API. *manager.Manager satisfies it.
type Control interface {
	Accounts(ctx context.Context) ([]manager.AccountView, error)
	View(acc account.Account) manager.AccountView
	Start(ctx context.Context, id account.ID) error
	Stop(ctx context.Context, id account.ID) error
	Pause(id account.ID) error
	Resume(id account.ID) error
	Restart(id account.ID) error
	Clear(id account.ID) error
	Delete(ctx context.Context, id account.ID) error
	Schedule(id account.ID) ([]schedule.Entry, error)
}

// Store is the persistence the handlers touch directly.
type Store interface {
	GetAccount(ctx context.Context, id account.ID) (account.Account, error)
	CreateAccount(ctx context.Context, a account.Account) (account.Account, error)
	ListVillages(ctx context.Context, acc account.ID) ([]account.Village, error)
	AccountSettings(ctx context.Context, acc account.ID) (account.Settings, error)
	SaveAccountSettings(ctx context.Context, acc account.ID, s account.Settings) error
	VillageSettings(ctx context.Context, acc account.ID, v account.VillageID) (account.VillageSettings, error)
	SaveVillageSettings(ctx context.Context, acc account.ID, v account.VillageID, s account.VillageSettings) error
	TelegramSettings(ctx context.Context, acc account.ID) (account.TelegramSettings, error)
	SaveTelegramSettings(ctx context.Context, acc account.ID, t account.TelegramSettings) error
	ListTaskRuns(ctx context.Context, acc account.ID, limit int) ([]storage.TaskRun, error)
}

// CredentialTester probes Telegram credentials.
type CredentialTester interface {
	TestCredentials(ctx context.Context, token, chatID string) error
}

type Config struct {
	// AllowAnyOrigin accepts websocket upgrades from any Origin.
	AllowAnyOrigin bool
	Pprof          pprof.Config
}

type Options struct {
	Config   Config
	Control  Control
	Store    Store
	Telegram CredentialTester
	Metrics  *observability.Metrics
	Bus      eventbus.Bus
	Log      logx.Logger
	// Health adds fields to /healthz.
	Health func() map[string]any
}

type Server struct {
	cfg      Config
	control  Control
	store    Store
	telegram CredentialTester
	metrics  *observability.Metrics
	bus      eventbus.Bus
	log      logx.Logger
	health   func() map[string]any
	upgrader websocket.Upgrader
}

func New(o Options) *Server {
	s := &Server{
		cfg:      o.Config,
		control:  o.Control,
		store:    o.Store,
		telegram: o.Telegram,
		metrics:  o.Metrics,
		bus:      o.Bus,
		log:      o.Log.With(logx.String("comp", "httpapi")),
		health:   o.Health,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin allows same-origin browsers and clients that send no Origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	pprof.Mount(r, s.cfg.Pprof)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleCreateAccount)
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Delete("/", s.handleDelete)
			r.Post("/{action}", s.handleAction)
			r.Get("/schedule", s.handleSchedule)
			r.Get("/runs", s.handleRuns)
			r.Get("/settings", s.handleExportSettings)
			r.Put("/settings", s.handleImportSettings)
			r.Get("/villages", s.handleVillages)
			r.Put("/villages/{vid}/settings", s.handleVillageSettings)
			r.Get("/telegram", s.handleGetTelegram)
			r.Put("/telegram", s.handlePutTelegram)
			r.Post("/telegram/test", s.handleTestTelegram)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"status": "ok"}
	if s.health != nil {
		for k, v := range s.health() {
			out[k] = v
		}
	}
	respondJSON(w, http.StatusOK, out)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondErr maps domain errors onto HTTP statuses.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	var cred *kit.CredentialError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, manager.ErrAlreadyRunning),
		errors.Is(err, manager.ErrNotRunning),
		errors.Is(err, manager.ErrNotOffline),
		errors.Is(err, account.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, manager.ErrNoTribe):
		respondError(w, http.StatusUnprocessableEntity, "no_tribe", err.Error())
	case errors.As(err, &cred):
		respondError(w, http.StatusUnprocessableEntity, "telegram_credentials", err.Error())
	default:
		s.log.Warn("http.request.failed", logx.Err(err))
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func accountID(w http.ResponseWriter, r *http.Request) (account.ID, bool) {
	id, err := account.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_account_id", err.Error())
		return 0, false
	}
	return id, true
}
