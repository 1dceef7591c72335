package models

import "time"

// Event types recorded in the job_events audit log.
const (
	EventJobCreated        = "job_created"
	EventJobConfirmed      = "job_confirmed"
	EventJobAssigned       = "job_assigned"
	EventJobProgress       = "job_progress"
	EventJobCompleted      = "job_completed"
	EventJobCanceled       = "job_canceled"
	EventJobDisputed       = "job_disputed"
	EventNoProviderFound   = "no_provider_found"
	EventPaymentAuthorized = "payment_authorized"
	EventPaymentCaptured   = "payment_captured"
	EventPaymentVoided     = "payment_voided"
	EventPaymentRefunded   = "payment_refunded"
	EventPaymentFailed     = "payment_failed"
	EventProofRejected     = "proof_rejected"
	EventProcessorSync     = "processor_sync"
)

// JobEvent is an append-only audit entry. IdemKey doubles as the duplicate
// detector: externally triggered mutations derive a natural key (job id +
// operation, or the processor event id) and a second insert with the same key
// is reported as a duplicate instead of applied.
type JobEvent struct {
	ID        string            `json:"id"`
	JobID     string            `json:"job_id"`
	Type      string            `json:"type"`
	Actor     string            `json:"actor"`
	IdemKey   string            `json:"idem_key"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// LedgerEntry types. Receipts debit the customer, refunds and credits pay
// them back; the balance is the fold over all entries.
const (
	LedgerReceipt = "receipt"
	LedgerRefund  = "refund"
	LedgerCredit  = "credit"
)

// LedgerEntry is an append-only per-customer money movement record.
type LedgerEntry struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	JobID       *string   `json:"job_id,omitempty"`
	PaymentID   *string   `json:"payment_id,omitempty"`
	Type        string    `json:"type"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}
