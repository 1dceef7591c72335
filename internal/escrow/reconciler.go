package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rescue-coordinator/internal/models"
	"rescue-coordinator/internal/processor"
	"rescue-coordinator/internal/telemetry"
)

// Outcome classifies what the reconciler did with one processor event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeUnknown   Outcome = "unknown"
)

// Reconciler is the state-correction sink for the processor's asynchronous
// event stream. It never calls the processor, so it can only record money
// movement, not cause it. Payment status may only move forward along the same
// edges the orchestrator uses; duplicates and late arrivals are no-ops.
type Reconciler struct {
	store  Store
	notify Notifier
	log    *zap.Logger
}

func NewReconciler(store Store, notify Notifier, log *zap.Logger) *Reconciler {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Reconciler{store: store, notify: notify, log: log}
}

// eventTarget maps a webhook type to the payment status it implies.
var eventTarget = map[string]models.PaymentStatus{
	processor.EventHoldConfirmed:    models.PaymentAuthorized,
	processor.EventCaptureSucceeded: models.PaymentCaptured,
	processor.EventHoldCanceled:     models.PaymentCanceled,
	processor.EventPaymentFailed:    models.PaymentFailed,
	processor.EventRefundIssued:     models.PaymentRefunded,
}

// Apply processes one event idempotently. All non-error outcomes must be
// acknowledged to the processor as success, including drops, or it will
// retry events we intentionally ignored.
func (r *Reconciler) Apply(ctx context.Context, ev processor.Event) (Outcome, error) {
	target, known := eventTarget[ev.Type]
	if !known || ev.ID == "" || ev.HoldRef == "" {
		r.log.Warn("dropping malformed processor event", zap.String("event_id", ev.ID), zap.String("type", ev.Type))
		telemetry.WebhookUnknown.Inc()
		return OutcomeUnknown, nil
	}

	idemKey := "processor:" + ev.ID
	if _, found, err := r.store.EventByKey(ctx, idemKey); err != nil {
		return "", err
	} else if found {
		telemetry.WebhookDuplicate.Inc()
		return OutcomeDuplicate, nil
	}

	p, ok, err := r.store.PaymentByProcessorRef(ctx, ev.HoldRef)
	if err != nil {
		return "", err
	}
	if !ok {
		// Either a payment this system never initiated, or the event beat the
		// synchronous write; the processor's at-least-once retry covers the
		// latter.
		r.log.Info("processor event for unknown payment", zap.String("event_id", ev.ID), zap.String("hold_ref", ev.HoldRef))
		telemetry.WebhookUnknown.Inc()
		return OutcomeUnknown, nil
	}

	if p.Status == target || !models.CanAdvancePayment(p.Status, target) {
		// Already there, or the event implies an earlier state than current.
		telemetry.WebhookDuplicate.Inc()
		return OutcomeStale, nil
	}

	var reason *string
	if ev.Type == processor.EventPaymentFailed && ev.Reason != "" {
		reason = &ev.Reason
	}
	applied, err := r.store.RecordPaymentSync(ctx, SyncRecord{
		PaymentID:     p.ID,
		From:          p.Status,
		To:            target,
		FailureReason: reason,
		Event: models.JobEvent{
			ID:      uuid.NewString(),
			JobID:   p.JobID,
			Type:    models.EventProcessorSync,
			Actor:   "processor",
			IdemKey: idemKey,
			Detail:  map[string]string{"event_type": ev.Type, "hold_ref": ev.HoldRef, "status": string(target)},
		},
	})
	if err != nil {
		if errors.Is(err, models.ErrConcurrentModification) {
			// An orchestrator write advanced the payment between our read and
			// the CAS; the event no longer applies.
			telemetry.WebhookDuplicate.Inc()
			return OutcomeStale, nil
		}
		return "", err
	}
	if !applied {
		telemetry.WebhookDuplicate.Inc()
		return OutcomeDuplicate, nil
	}

	if ev.Type == processor.EventPaymentFailed {
		r.failJob(ctx, p.JobID)
	}

	p.Status = target
	telemetry.WebhookApplied.Inc()
	r.notify.PaymentStatusChanged(ctx, p)
	r.log.Info("processor event applied",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("payment_id", p.ID),
		zap.String("status", string(target)))
	return OutcomeApplied, nil
}

// failJob pushes a job whose escrow failed out of the matching pipeline.
// Best-effort: if the job already moved on, the CAS miss is left alone for
// the lifecycle controller to resolve.
func (r *Reconciler) failJob(ctx context.Context, jobID string) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if job.Status != models.JobRequested && job.Status != models.JobMatching {
		return
	}
	if err := r.store.UpdateJobStatus(ctx, jobID, job.Status, models.JobRefunded); err != nil {
		return
	}
	job.Status = models.JobRefunded
	job.UpdatedAt = time.Now().UTC()
	r.notify.JobStatusChanged(ctx, job)
}
