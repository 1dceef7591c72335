package processor

import (
	"context"
	"fmt"
	"time"
)

// Client is the money-moving surface of the external payment processor.
// Holds reserve funds in manual-capture mode; nothing is transferred until
// Capture. CancelHold releases a hold that was never captured.
type Client interface {
	// EnsureCustomer resolves or creates the processor-side customer profile
	// for our customer id and returns the processor's reference.
	EnsureCustomer(ctx context.Context, customerID string) (string, error)
	// CreateHold reserves funds and returns the processor hold reference.
	CreateHold(ctx context.Context, req HoldRequest) (string, error)
	Capture(ctx context.Context, holdRef string) error
	CancelHold(ctx context.Context, holdRef string) error
	// Refund returns previously captured funds, fully or partially.
	Refund(ctx context.Context, holdRef string, amountCents int64) error
}

// HoldRequest describes one authorization.
type HoldRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	CustomerRef    string `json:"customer_ref"`
	IdempotencyKey string `json:"-"`
}

// Error is a typed processor failure. Retryable failures (network errors,
// 5xx) may be retried with backoff; declines are terminal.
type Error struct {
	Op        string
	Code      string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("processor %s: %s: %v", e.Op, e.Code, e.Cause)
	}
	return fmt.Sprintf("processor %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Webhook event types delivered by the processor.
const (
	EventHoldConfirmed    = "hold.confirmed"
	EventCaptureSucceeded = "capture.succeeded"
	EventHoldCanceled     = "hold.canceled"
	EventPaymentFailed    = "payment.failed"
	EventRefundIssued     = "refund.issued"
)

// Event is the asynchronous callback envelope. Delivery is at-least-once and
// unordered; the event ID is the dedupe key.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	HoldRef     string    `json:"hold_ref"`
	AmountCents int64     `json:"amount_cents,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
