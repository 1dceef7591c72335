package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"rescue-coordinator/internal/auth"
	"rescue-coordinator/internal/config"
	"rescue-coordinator/internal/escrow"
	"rescue-coordinator/internal/media"
	"rescue-coordinator/internal/models"
	"rescue-coordinator/internal/processor"
	"rescue-coordinator/internal/ratelimit"
	"rescue-coordinator/internal/store"
	"rescue-coordinator/internal/telemetry"
)

// Server wires HTTP handlers for the client/provider-facing API.
type Server struct {
	cfg       config.Config
	lifecycle *escrow.Lifecycle
	reads     escrow.Store
	media     *media.Service
	limiter   *ratelimit.TokenBucket
	log       *zap.Logger
}

// New constructs the API server. limiter and mediaSvc may be nil in tests.
func New(cfg config.Config, lc *escrow.Lifecycle, reads escrow.Store, mediaSvc *media.Service, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	return &Server{cfg: cfg, lifecycle: lc, reads: reads, media: mediaSvc, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.withPrincipal(s.handleCreate))
	r.Get("/jobs/{id}", s.withPrincipal(s.handleGetJob))
	r.Get("/jobs/{id}/events", s.withPrincipal(s.handleListEvents))
	r.Post("/jobs/{id}/confirm", s.withPrincipal(s.handleConfirm))
	r.Post("/jobs/{id}/cancel", s.withPrincipal(s.handleCancel))
	r.Post("/jobs/{id}/assign", s.withPrincipal(s.handleAssign))
	r.Post("/jobs/{id}/matching", s.withPrincipal(s.handleStartMatching))
	r.Post("/jobs/{id}/no-provider", s.withPrincipal(s.handleNoProvider))
	r.Post("/jobs/{id}/en-route", s.progressHandler(models.JobEnRoute))
	r.Post("/jobs/{id}/on-site", s.progressHandler(models.JobOnSite))
	r.Post("/jobs/{id}/start", s.progressHandler(models.JobInProgress))
	r.Post("/jobs/{id}/check-in", s.withPrincipal(s.handleCheckIn))
	r.Post("/jobs/{id}/proof", s.withPrincipal(s.handleProof))
	r.Post("/jobs/{id}/complete", s.withPrincipal(s.handleComplete))
	r.Post("/jobs/{id}/dispute", s.withPrincipal(s.handleDispute))
	r.Get("/customers/{id}/balance", s.withPrincipal(s.handleBalance))
	return r
}

type principalHandler func(w http.ResponseWriter, r *http.Request, caller auth.Principal)

// withPrincipal enforces the identity collaborator's headers and the
// per-caller rate limit on every authenticated route.
func (s *Server) withPrincipal(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := auth.FromRequest(r)
		if !ok {
			http.Error(w, "missing principal", http.StatusUnauthorized)
			return
		}
		if s.limiter != nil && r.Method != http.MethodGet {
			allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+caller.UserID)
			if err != nil {
				s.log.Warn("rate limiter unavailable", zap.Error(err))
			} else if !allowed {
				telemetry.RateLimitRejects.Inc()
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
		}
		next(w, r, caller)
	}
}

type createRequest struct {
	ServiceType string `json:"service_type"`
	PriceCents  int64  `json:"price_cents"`
	Currency    string `json:"currency"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	job, err := s.lifecycle.Create(r.Context(), caller, escrow.CreateParams{
		ServiceType: req.ServiceType,
		PriceCents:  req.PriceCents,
		Currency:    req.Currency,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	job, err := s.reads.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	events, err := s.reads.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	job, err := s.lifecycle.Confirm(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	job, err := s.lifecycle.Cancel(r.Context(), caller, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type assignRequest struct {
	ProviderID string `json:"provider_id"`
}

// handleAssign is the dispatch collaborator's callback; only admins (the
// dispatch service authenticates as one) may bind providers.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	if !caller.IsAdmin() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProviderID == "" {
		http.Error(w, "provider_id is required", http.StatusBadRequest)
		return
	}
	job, err := s.lifecycle.Assign(r.Context(), chi.URLParam(r, "id"), req.ProviderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStartMatching(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	if !caller.IsAdmin() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	job, err := s.lifecycle.StartMatching(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleNoProvider(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	if !caller.IsAdmin() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	job, err := s.lifecycle.NoProviderFound(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) progressHandler(to models.JobStatus) http.HandlerFunc {
	return s.withPrincipal(func(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
		job, err := s.lifecycle.Progress(r.Context(), caller, chi.URLParam(r, "id"), to)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	if err := s.lifecycle.CheckIn(r.Context(), caller, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "checked_in"})
}

// handleProof accepts a proof photo. Only the assigned provider (or an admin)
// may attach media, since completion_proof rows feed the release gate.
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	jobID := chi.URLParam(r, "id")
	if !caller.IsAdmin() {
		asg, ok, err := s.reads.AssignmentForJob(r.Context(), jobID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok || asg.ProviderID != caller.UserID {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	if s.media == nil {
		http.Error(w, "media storage not configured", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseMultipartForm(s.cfg.MediaMaxBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("photo")
	if err != nil {
		http.Error(w, "photo is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MediaMaxBytes+1))
	if err != nil {
		http.Error(w, "read photo", http.StatusBadRequest)
		return
	}
	purpose := r.FormValue("purpose")
	m, err := s.media.Attach(r.Context(), jobID, caller.UserID, purpose, data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type completeRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	var req completeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	job, err := s.lifecycle.Complete(r.Context(), caller, chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	job, err := s.lifecycle.Dispute(r.Context(), caller, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	customerID := chi.URLParam(r, "id")
	if !caller.IsAdmin() && caller.UserID != customerID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	balance, err := s.reads.CustomerBalance(r.Context(), customerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer_id": customerID, "balance_cents": balance})
}

// writeError maps typed domain errors onto HTTP statuses so clients can
// branch on kind.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation *escrow.ValidationError
		gate       *escrow.GateFailure
		conflict   *escrow.ConflictError
		permission *escrow.PermissionError
		authz      *escrow.AuthorizationError
		procErr    *processor.Error
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "validation", "field": validation.Field, "reason": validation.Reason})
	case errors.As(err, &gate):
		writeJSON(w, http.StatusPreconditionFailed, map[string]any{"error": "proof_gate", "gate": string(gate.Gate)})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "conflicting_state", "detail": conflict.Error()})
	case errors.Is(err, models.ErrConcurrentModification):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "concurrent_modification", "retryable": true})
	case errors.As(err, &permission):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
	case errors.As(err, &authz), errors.As(err, &procErr):
		code := "processor_error"
		if procErr != nil {
			code = procErr.Code
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "processor", "code": code})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
	default:
		s.log.Error("internal error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
