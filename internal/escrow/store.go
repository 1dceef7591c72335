package escrow

import (
	"context"
	"time"

	"rescue-coordinator/internal/models"
)

// Store is the durable state the escrow core reads and writes. Both the
// Postgres store and the in-memory store used by tests satisfy it.
//
// Status updates are compare-and-set: they take the expected source status
// and return models.ErrConcurrentModification when the row moved, so
// concurrent actors resolve races at the datastore instead of overwriting
// each other.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	// UpdateJobStatus performs the CAS transition from -> to.
	UpdateJobStatus(ctx context.Context, id string, from, to models.JobStatus) error
	SetJobProvider(ctx context.Context, jobID, providerID string) error
	SetCancelReason(ctx context.Context, jobID, reason string) error
	SetCompletionNotes(ctx context.Context, jobID, notes string) error

	CreatePayment(ctx context.Context, p models.Payment) error
	// ActivePayment returns the authorized or captured payment for the job.
	ActivePayment(ctx context.Context, jobID string) (models.Payment, bool, error)
	PaymentByProcessorRef(ctx context.Context, ref string) (models.Payment, bool, error)
	// UpdatePaymentStatus performs the CAS transition from -> to and stamps
	// the per-status timestamp column.
	UpdatePaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus, failureReason *string) error
	// RecordCapture applies the capture writes (payment CAS, debit ledger
	// entry, audit event, provider completed counter) as one transaction.
	RecordCapture(ctx context.Context, rec CaptureRecord) error
	// RecordRefund applies the refund writes (payment CAS, credit ledger
	// entry, audit event) as one transaction.
	RecordRefund(ctx context.Context, rec RefundRecord) error
	// RecordPaymentSync applies a processor-reported transition (payment CAS
	// plus its audit event) as one transaction. It returns false without
	// writing when the event's idempotency key was already recorded.
	RecordPaymentSync(ctx context.Context, rec SyncRecord) (bool, error)

	CreateAssignment(ctx context.Context, a models.Assignment) error
	AssignmentForJob(ctx context.Context, jobID string) (models.Assignment, bool, error)
	SetCheckIn(ctx context.Context, jobID string, at time.Time) error
	SetCheckOut(ctx context.Context, jobID string, at time.Time) error

	ProofMediaCount(ctx context.Context, jobID, purpose string) (int, error)

	// AppendEvent inserts an audit event; it returns false without writing
	// when an event with the same idempotency key already exists.
	AppendEvent(ctx context.Context, ev models.JobEvent) (bool, error)
	EventByKey(ctx context.Context, idemKey string) (models.JobEvent, bool, error)
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)

	InsertLedgerEntry(ctx context.Context, e models.LedgerEntry) error
	CustomerBalance(ctx context.Context, customerID string) (int64, error)
	IncrementProviderCompleted(ctx context.Context, providerID string) error
}

// CaptureRecord bundles the writes that must land together when held funds
// are transferred.
type CaptureRecord struct {
	PaymentID   string
	JobID       string
	CustomerID  string
	ProviderID  string
	AmountCents int64
	Event       models.JobEvent
}

// RefundRecord bundles the writes for returning captured funds.
type RefundRecord struct {
	PaymentID   string
	JobID       string
	CustomerID  string
	AmountCents int64
	Event       models.JobEvent
}

// SyncRecord bundles a processor-reported payment transition with its audit
// event so neither can land without the other.
type SyncRecord struct {
	PaymentID     string
	From          models.PaymentStatus
	To            models.PaymentStatus
	FailureReason *string
	Event         models.JobEvent
}

// Notifier publishes status changes for presentation-layer consumption.
// Publishing is best-effort: implementations log and count failures but must
// never propagate them into a transition.
type Notifier interface {
	JobStatusChanged(ctx context.Context, job models.Job)
	PaymentStatusChanged(ctx context.Context, p models.Payment)
}

// NopNotifier is used where no realtime channel is wired.
type NopNotifier struct{}

func (NopNotifier) JobStatusChanged(context.Context, models.Job)         {}
func (NopNotifier) PaymentStatusChanged(context.Context, models.Payment) {}
