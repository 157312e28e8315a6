package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"rubaz/internal/account"
)

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	views, err := s.control.Accounts(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

type createAccountRequest struct {
	Username string `json:"username"`
	Server   string `json:"server"`
	Password string `json:"password"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Server) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "username and server are required")
		return
	}
	acc, err := s.store.CreateAccount(r.Context(), account.Account{
		Username: strings.TrimSpace(req.Username),
		Server:   strings.TrimSpace(req.Server),
		Password: req.Password,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.control.View(acc))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	acc, err := s.store.GetAccount(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.control.View(acc))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	if err := s.control.Delete(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "start":
		if _, err = s.store.GetAccount(ctx, id); err == nil {
			err = s.control.Start(ctx, id)
		}
	case "stop":
		err = s.control.Stop(ctx, id)
	case "pause":
		err = s.control.Pause(id)
	case "resume":
		err = s.control.Resume(id)
	case "restart":
		err = s.control.Restart(id)
	case "clear":
		err = s.control.Clear(id)
	default:
		respondError(w, http.StatusNotFound, "unknown_action", "unknown action "+strconv.Quote(action))
		return
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.control.View(acc))
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	entries, err := s.control.Schedule(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be in [1, 1000]")
			return
		}
		limit = n
	}
	runs, err := s.store.ListTaskRuns(r.Context(), id, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleExportSettings returns the full settings map, defaults included.
func (s *Server) handleExportSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetAccount(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	set, err := s.store.AccountSettings(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, set)
}

// handleImportSettings accepts a (possibly partial) exported settings
// document. Nothing is saved unless every value is valid.
func (s *Server) handleImportSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		s.respondErr(w, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	in, err := account.DecodeSettings(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}
	cur, err := s.store.AccountSettings(ctx, id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := in.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}
	merged := cur.Merge(in)
	if err := merged.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}
	if err := s.store.SaveAccountSettings(ctx, id, merged); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, merged)
}

func (s *Server) handleVillages(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	vs, err := s.store.ListVillages(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"villages": vs})
}

func (s *Server) handleVillageSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	raw, err := strconv.ParseInt(chi.URLParam(r, "vid"), 10, 64)
	if err != nil || raw <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_village_id", "village id must be a positive integer")
		return
	}
	vid := account.VillageID(raw)
	var in account.VillageSettings
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ctx := r.Context()
	cur, err := s.store.VillageSettings(ctx, id, vid)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := in.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}
	merged := cur.Merge(in)
	if err := merged.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}
	if err := s.store.SaveVillageSettings(ctx, id, vid, merged); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, merged)
}

type telegramRequest struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type telegramResponse struct {
	ChatID     string `json:"chat_id"`
	Configured bool   `json:"configured"`
}

func (s *Server) handleGetTelegram(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	t, err := s.store.TelegramSettings(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, telegramResponse{ChatID: t.ChatID, Configured: !t.Empty()})
}

func (s *Server) handlePutTelegram(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req telegramRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	t := account.TelegramSettings{BotToken: strings.TrimSpace(req.BotToken), ChatID: strings.TrimSpace(req.ChatID)}
	if err := s.store.SaveTelegramSettings(r.Context(), id, t); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, telegramResponse{ChatID: t.ChatID, Configured: !t.Empty()})
}

// handleTestTelegram sends a probe with the given credentials and saves
// them only when it succeeds.
func (s *Server) handleTestTelegram(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req telegramRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ctx := r.Context()
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		s.respondErr(w, err)
		return
	}
	if s.telegram == nil {
		respondError(w, http.StatusServiceUnavailable, "notifier_disabled", "telegram notifier is not configured")
		return
	}
	if err := s.telegram.TestCredentials(ctx, req.BotToken, req.ChatID); err != nil {
		s.respondErr(w, err)
		return
	}
	t := account.TelegramSettings{BotToken: strings.TrimSpace(req.BotToken), ChatID: strings.TrimSpace(req.ChatID)}
	if err := s.store.SaveTelegramSettings(ctx, id, t); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, telegramResponse{ChatID: t.ChatID, Configured: true})
}
