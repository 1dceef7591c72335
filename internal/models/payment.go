package models

import (
	"errors"
	"time"
)

// ErrConcurrentModification is returned by compare-and-set store updates when
// the row moved underneath the caller. The caller must re-read and either
// retry or abort; the write is never applied silently.
var ErrConcurrentModification = errors.New("concurrent modification")

// PaymentStatus enumerates the escrow instrument states.
type PaymentStatus string

const (
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentCanceled   PaymentStatus = "canceled"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentFailed     PaymentStatus = "failed"
)

// Payment is one escrow hold bound to a job. A job has at most one active
// payment; earlier attempts survive in terminal states for audit.
type Payment struct {
	ID            string        `json:"id"`
	JobID         string        `json:"job_id"`
	ProcessorRef  string        `json:"processor_ref"`
	AmountCents   int64         `json:"amount_cents"`
	Currency      string        `json:"currency"`
	Status        PaymentStatus `json:"status"`
	FailureReason *string       `json:"failure_reason,omitempty"`
	AuthorizedAt  time.Time     `json:"authorized_at"`
	CapturedAt    *time.Time    `json:"captured_at,omitempty"`
	CanceledAt    *time.Time    `json:"canceled_at,omitempty"`
	RefundedAt    *time.Time    `json:"refunded_at,omitempty"`
	FailedAt      *time.Time    `json:"failed_at,omitempty"`
}

// paymentForward holds the only legal payment edges:
// authorized -> {captured, canceled, failed} and captured -> refunded.
var paymentForward = map[PaymentStatus][]PaymentStatus{
	PaymentAuthorized: {PaymentCaptured, PaymentCanceled, PaymentFailed},
	PaymentCaptured:   {PaymentRefunded},
}

// CanAdvancePayment reports whether from -> to is a legal payment edge.
func CanAdvancePayment(from, to PaymentStatus) bool {
	for _, next := range paymentForward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalPaymentStatus reports whether the payment can no longer move.
func IsTerminalPaymentStatus(s PaymentStatus) bool {
	return s == PaymentCanceled || s == PaymentRefunded || s == PaymentFailed
}

// Active reports whether the payment still holds or has taken funds, i.e. it
// is the payment cancel/complete must act on.
func (p Payment) Active() bool {
	return p.Status == PaymentAuthorized || p.Status == PaymentCaptured
}
