package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/CreatorBot/internal/apifree"
	"github.com/digkill/CreatorBot/internal/metrics"
	"github.com/digkill/CreatorBot/internal/models"
	"github.com/digkill/CreatorBot/internal/repository"
	"github.com/digkill/CreatorBot/internal/service"
)

const maxBodyBytes = 1 << 20

type Users interface {
	Get(ctx context.Context, id int64) (*models.User, error)
	AdjustCredits(ctx context.Context, id int64, priorityDelta, standardDelta int) error
	ListIDs(ctx context.Context) ([]int64, error)
}

type Actions interface {
	Submit(ctx context.Context, req service.ActionRequest) (*service.ActionResult, error)
}

type Results interface {
	Result(ctx context.Context, kind models.JobKind, requestID string) (json.RawMessage, error)
}

type Jobs interface {
	Get(ctx context.Context, id int64) (*models.Job, error)
}

type Notifier interface {
	NotifyText(chatID int64, text string, controls models.Keyboard) error
}

type UpdateDispatcher interface {
	Dispatch(update tgbotapi.Update)
}

type Options struct {
	Addr           string
	AdminUsername  string
	AdminPassword  string
	WebhookSecret  string
	RateLimitRPS   float64
	RateLimitBurst int
}

type Server struct {
	opts     Options
	log      *slog.Logger
	users    Users
	actions  Actions
	results  Results
	jobs     Jobs
	notifier Notifier
	updates  UpdateDispatcher
	metrics  *metrics.Metrics
	router   *chi.Mux
}

func NewServer(opts Options, log *slog.Logger, users Users, actions Actions, results Results, jobs Jobs, notifier Notifier, updates UpdateDispatcher, m *metrics.Metrics) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)

	s := &Server{
		opts:     opts,
		log:      log,
		users:    users,
		actions:  actions,
		results:  results,
		jobs:     jobs,
		notifier: notifier,
		updates:  updates,
		metrics:  m,
		router:   r,
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", m.Handler())
	r.Post("/telegram/webhook/{secret}", s.handleWebhook)

	limiter := newKeyedLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	r.Route("/api", func(api chi.Router) {
		api.Use(limiter.middleware)
		api.Get("/me", s.handleMe)
		api.Post("/chat", s.handleChat)
		api.Post("/{kind}/submit", s.handleSubmit)
		api.Get("/{kind}/result/{id}", s.handleResult)
	})

	r.Route("/admin", func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Post("/users/{id}/credits", s.handleAdjustCredits)
		protected.Get("/jobs/{id}", s.handleGetJob)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http server listening", "addr", s.opts.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "secret") != s.opts.WebhookSecret {
		http.NotFound(w, r)
		return
	}
	var update tgbotapi.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&update); err != nil {
		s.fail(w, http.StatusBadRequest, "bad_request", "invalid update")
		return
	}
	s.updates.Dispatch(update)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.URL.Query().Get("tg_id"))
	if err != nil || id == 0 {
		s.fail(w, http.StatusBadRequest, "bad_request", "tg_id required")
		return
	}
	user, err := s.users.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if user == nil {
		s.fail(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tg_id":            user.ID,
		"credits_priority": user.CreditsPriority,
		"credits_standard": user.CreditsStandard,
	})
}

type chatRequest struct {
	TgID int64  `json:"tg_id"`
	Text string `json:"text"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	if req.TgID == 0 || strings.TrimSpace(req.Text) == "" {
		s.fail(w, http.StatusBadRequest, "bad_request", "tg_id and text required")
		return
	}

	res, ok := s.submit(w, r, service.ActionRequest{
		OwnerID: req.TgID,
		Kind:    models.KindChat,
		Payload: map[string]any{"text": req.Text},
	})
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "answer": res.Answer})
}

// handleSubmit forwards the whole body to the provider minus the fields the server owns.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	kind, ok := mediaKind(chi.URLParam(r, "kind"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	var payload map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		s.fail(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	ownerID, _ := parseID(fmt.Sprint(payload["tg_id"]))
	deliver := true
	if v, isBool := payload["deliver_to_tg"].(bool); isBool {
		deliver = v
	}
	delete(payload, "tg_id")
	delete(payload, "deliver_to_tg")

	if prompt, _ := payload["prompt"].(string); ownerID == 0 || strings.TrimSpace(prompt) == "" {
		s.fail(w, http.StatusBadRequest, "bad_request", "tg_id and prompt required")
		return
	}

	res, ok := s.submit(w, r, service.ActionRequest{OwnerID: ownerID, Kind: kind, Payload: payload, Deliver: deliver})
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"job_id":     res.JobID,
		"request_id": res.RequestID,
		"apifree":    res.Raw,
	})
}

// submit runs the action and writes the error response itself when it returns false.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, req service.ActionRequest) (*service.ActionResult, bool) {
	res, err := s.actions.Submit(r.Context(), req)
	switch {
	case errors.Is(err, service.ErrMalformedRequest):
		s.fail(w, http.StatusBadRequest, "bad_request", err.Error())
		return nil, false
	case errors.Is(err, apifree.ErrProviderRejected), errors.Is(err, apifree.ErrProviderUnavailable):
		s.fail(w, http.StatusBadGateway, "provider_error", err.Error())
		return nil, false
	case err != nil:
		s.internalError(w, err)
		return nil, false
	}
	if !res.Authorized {
		s.fail(w, http.StatusPaymentRequired, res.DenialReason, "")
		return nil, false
	}
	return res, true
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	kind, ok := mediaKind(chi.URLParam(r, "kind"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	raw, err := s.results.Result(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, http.StatusBadGateway, "provider_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "apifree": raw})
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	ids, err := s.users.ListIDs(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}

	count := 0
	for _, id := range ids {
		if err := s.notifier.NotifyText(id, req.Message, nil); err != nil {
			s.log.Error("send broadcast", "user", id, "err", err)
			continue
		}
		count++
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sent":  count,
		"total": len(ids),
	})
}

type creditsRequest struct {
	PriorityDelta int `json:"priority_delta"`
	StandardDelta int `json:"standard_delta"`
}

func (s *Server) handleAdjustCredits(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req creditsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	err = s.users.AdjustCredits(r.Context(), id, req.PriorityDelta, req.StandardDelta)
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, "user not found", http.StatusNotFound)
		return
	case errors.Is(err, repository.ErrNegativeBalance):
		http.Error(w, "balance would go negative", http.StatusConflict)
		return
	case err != nil:
		s.internalError(w, err)
		return
	}

	user, err := s.users.Get(r.Context(), id)
	if err != nil || user == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tg_id":            user.ID,
		"credits_priority": user.CreditsPriority,
		"credits_standard": user.CreditsStandard,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":         job.ID,
		"tg_id":      job.OwnerID,
		"kind":       job.Kind,
		"request_id": job.RequestID,
		"status":     job.Status,
		"detail":     job.Detail,
		"payload":    job.Payload,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || s.opts.AdminPassword == "" || user != s.opts.AdminUsername || pass != s.opts.AdminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="creatorbot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, status int, code, detail string) {
	body := map[string]any{"ok": false, "error": code}
	if detail != "" {
		body["detail"] = detail
	}
	s.writeJSON(w, status, body)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("http handler error", "err", err)
	s.fail(w, http.StatusInternalServerError, "internal_error", "")
}

func mediaKind(raw string) (models.JobKind, bool) {
	kind, ok := models.ParseJobKind(raw)
	if !ok || kind == models.KindChat {
		return "", false
	}
	return kind, true
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
