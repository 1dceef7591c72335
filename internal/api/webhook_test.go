package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"rescue-coordinator/internal/escrow"
	"rescue-coordinator/internal/models"
	"rescue-coordinator/internal/processor"
	"rescue-coordinator/internal/store"
)

const webhookSecret = "whsec_test"

func newWebhookFixture(t *testing.T) (*store.Memory, http.Handler, models.Payment) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()

	job := models.Job{
		ID:          "job-1",
		CustomerID:  "cust-1",
		ServiceType: "tow",
		PriceCents:  4500,
		Currency:    "USD",
		Status:      models.JobRequested,
	}
	if err := mem.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	p := models.Payment{
		ID:           "pay-1",
		JobID:        job.ID,
		ProcessorRef: "hold_1",
		AmountCents:  4500,
		Currency:     "USD",
		Status:       models.PaymentAuthorized,
		AuthorizedAt: time.Now().UTC(),
	}
	if err := mem.CreatePayment(ctx, p); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	rec := escrow.NewReconciler(mem, nil, zap.NewNop())
	srv := NewWebhookServer(webhookSecret, rec, nil, zap.NewNop())
	return mem, srv.Router(), p
}

func postEvent(t *testing.T, handler http.Handler, secret string, ev processor.Event) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewReader(body))
	req.Header.Set(processor.SignatureHeader, processor.Sign(secret, body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestWebhookAppliesSignedEvent(t *testing.T) {
	mem, handler, p := newWebhookFixture(t)

	rr := postEvent(t, handler, webhookSecret, processor.Event{
		ID:      "evt-1",
		Type:    processor.EventCaptureSucceeded,
		HoldRef: p.ProcessorRef,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["outcome"] != string(escrow.OutcomeApplied) {
		t.Fatalf("expected applied outcome, got %q", resp["outcome"])
	}
	got, _ := mem.Payment(p.ID)
	if got.Status != models.PaymentCaptured {
		t.Fatalf("expected captured payment, got %s", got.Status)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	mem, handler, p := newWebhookFixture(t)

	rr := postEvent(t, handler, "wrong_secret", processor.Event{
		ID:      "evt-1",
		Type:    processor.EventCaptureSucceeded,
		HoldRef: p.ProcessorRef,
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	got, _ := mem.Payment(p.ID)
	if got.Status != models.PaymentAuthorized {
		t.Fatalf("unsigned event must not change state, got %s", got.Status)
	}
}

func TestWebhookAcknowledgesDroppedEvents(t *testing.T) {
	_, handler, _ := newWebhookFixture(t)

	rr := postEvent(t, handler, webhookSecret, processor.Event{
		ID:      "evt-x",
		Type:    processor.EventCaptureSucceeded,
		HoldRef: "hold_unknown",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("dropped events must still be acknowledged, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["outcome"] != string(escrow.OutcomeUnknown) {
		t.Fatalf("expected unknown outcome, got %q", resp["outcome"])
	}
}

func TestWebhookRejectsUnsignedJunk(t *testing.T) {
	_, handler, _ := newWebhookFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewReader([]byte("junk")))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rr.Code)
	}
}
