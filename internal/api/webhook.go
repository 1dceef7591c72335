package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"rescue-coordinator/internal/escrow"
	"rescue-coordinator/internal/processor"
	"rescue-coordinator/internal/ratelimit"
	"rescue-coordinator/internal/telemetry"
)

const maxWebhookBody = 64 * 1024

// WebhookServer hosts the processor callback endpoint. Events the reconciler
// intentionally ignores still get a success response so the processor does
// not retry-storm them; only a bad signature is rejected outright.
type WebhookServer struct {
	secret     string
	reconciler *escrow.Reconciler
	limiter    *ratelimit.TokenBucket
	log        *zap.Logger
}

func NewWebhookServer(secret string, rec *escrow.Reconciler, limiter *ratelimit.TokenBucket, log *zap.Logger) *WebhookServer {
	return &WebhookServer{secret: secret, reconciler: rec, limiter: limiter, log: log}
}

func (s *WebhookServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Post("/webhooks/processor", s.handleProcessorEvent)
	return r
}

func (s *WebhookServer) handleProcessorEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !processor.VerifySignature(s.secret, body, r.Header.Get(processor.SignatureHeader)) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:webhook")
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var ev processor.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	outcome, err := s.reconciler.Apply(r.Context(), ev)
	if err != nil {
		s.log.Error("reconcile event", zap.String("event_id", ev.ID), zap.Error(err))
		http.Error(w, "reconcile failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}
