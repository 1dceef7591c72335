package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rescue-coordinator/internal/models"
	"rescue-coordinator/internal/processor"
	"rescue-coordinator/internal/telemetry"
)

// Orchestrator owns every money-moving call. Local state is committed only
// after the processor confirms, so a crash mid-call leaves the prior state
// intact and the operation is retryable under the same idempotency key.
type Orchestrator struct {
	store  Store
	proc   processor.Client
	notify Notifier
	log    *zap.Logger
}

func NewOrchestrator(store Store, proc processor.Client, notify Notifier, log *zap.Logger) *Orchestrator {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Orchestrator{store: store, proc: proc, notify: notify, log: log}
}

// Authorize places a manual-capture hold for the job's price. On processor
// failure no payment row is created and the job is untouched. A job may hold
// at most one active payment: the store rejects a second active row, and the
// loser of a concurrent authorize releases its extra hold and surfaces
// models.ErrConcurrentModification.
func (o *Orchestrator) Authorize(ctx context.Context, job models.Job) (models.Payment, error) {
	if existing, ok, err := o.store.ActivePayment(ctx, job.ID); err != nil {
		return models.Payment{}, err
	} else if ok {
		return models.Payment{}, &ConflictError{Op: "authorize", Status: string(existing.Status), Allowed: "no active payment"}
	}

	custRef, err := o.proc.EnsureCustomer(ctx, job.CustomerID)
	if err != nil {
		telemetry.ProcessorFailures.Inc()
		return models.Payment{}, &AuthorizationError{Cause: err}
	}

	holdRef, err := o.proc.CreateHold(ctx, processor.HoldRequest{
		AmountCents:    job.PriceCents,
		Currency:       job.Currency,
		CustomerRef:    custRef,
		IdempotencyKey: "auth-" + job.ID,
	})
	if err != nil {
		telemetry.ProcessorFailures.Inc()
		o.log.Warn("hold declined or unreachable", zap.String("job_id", job.ID), zap.Error(err))
		return models.Payment{}, &AuthorizationError{Cause: err}
	}

	p := models.Payment{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		ProcessorRef: holdRef,
		AmountCents:  job.PriceCents,
		Currency:     job.Currency,
		Status:       models.PaymentAuthorized,
		AuthorizedAt: time.Now().UTC(),
	}
	if err := o.store.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, models.ErrConcurrentModification) {
			// A concurrent authorize persisted its payment first. Release the
			// extra hold so the processor is not left reserving funds twice.
			if cerr := o.proc.CancelHold(ctx, holdRef); cerr != nil {
				o.log.Warn("release duplicate hold", zap.String("job_id", job.ID), zap.String("hold_ref", holdRef), zap.Error(cerr))
			}
			return models.Payment{}, err
		}
		return models.Payment{}, fmt.Errorf("persist payment: %w", err)
	}
	_, _ = o.store.AppendEvent(ctx, models.JobEvent{
		ID:      uuid.NewString(),
		JobID:   job.ID,
		Type:    models.EventPaymentAuthorized,
		Actor:   "escrow",
		IdemKey: "payment:authorize:" + job.ID,
		Detail:  map[string]string{"hold_ref": holdRef, "amount_cents": fmt.Sprint(p.AmountCents)},
	})
	telemetry.Authorizations.Inc()
	o.notify.PaymentStatusChanged(ctx, p)
	return p, nil
}

// Capture transfers the held amount once the proof gate has passed. The
// payment CAS, the debit ledger entry, the audit event, and the provider
// counter land in one local transaction gated on the processor call.
func (o *Orchestrator) Capture(ctx context.Context, job models.Job) (models.Payment, error) {
	p, ok, err := o.store.ActivePayment(ctx, job.ID)
	if err != nil {
		return models.Payment{}, err
	}
	if !ok || p.Status != models.PaymentAuthorized {
		return models.Payment{}, &ConflictError{Op: "capture", Status: paymentStatusLabel(p, ok), Allowed: string(models.PaymentAuthorized)}
	}

	if err := o.proc.Capture(ctx, p.ProcessorRef); err != nil {
		telemetry.ProcessorFailures.Inc()
		return models.Payment{}, err
	}

	providerID := ""
	if job.ProviderID != nil {
		providerID = *job.ProviderID
	}
	err = o.store.RecordCapture(ctx, CaptureRecord{
		PaymentID:   p.ID,
		JobID:       job.ID,
		CustomerID:  job.CustomerID,
		ProviderID:  providerID,
		AmountCents: p.AmountCents,
		Event: models.JobEvent{
			ID:      uuid.NewString(),
			JobID:   job.ID,
			Type:    models.EventPaymentCaptured,
			Actor:   "escrow",
			IdemKey: "payment:capture:" + p.ID,
			Detail:  map[string]string{"hold_ref": p.ProcessorRef, "amount_cents": fmt.Sprint(p.AmountCents)},
		},
	})
	if err != nil {
		return models.Payment{}, err
	}
	p.Status = models.PaymentCaptured
	telemetry.Captures.Inc()
	o.notify.PaymentStatusChanged(ctx, p)
	return p, nil
}

// Void releases a hold that was never captured. No money moved, so no ledger
// entry is written; that distinction is what keeps phantom refund credits out
// of the ledger.
func (o *Orchestrator) Void(ctx context.Context, job models.Job) (models.Payment, error) {
	p, ok, err := o.store.ActivePayment(ctx, job.ID)
	if err != nil {
		return models.Payment{}, err
	}
	if !ok || p.Status != models.PaymentAuthorized {
		return models.Payment{}, &ConflictError{Op: "void", Status: paymentStatusLabel(p, ok), Allowed: string(models.PaymentAuthorized)}
	}

	if err := o.proc.CancelHold(ctx, p.ProcessorRef); err != nil {
		telemetry.ProcessorFailures.Inc()
		return models.Payment{}, err
	}
	if err := o.store.UpdatePaymentStatus(ctx, p.ID, models.PaymentAuthorized, models.PaymentCanceled, nil); err != nil {
		return models.Payment{}, err
	}
	_, _ = o.store.AppendEvent(ctx, models.JobEvent{
		ID:      uuid.NewString(),
		JobID:   job.ID,
		Type:    models.EventPaymentVoided,
		Actor:   "escrow",
		IdemKey: "payment:void:" + p.ID,
		Detail:  map[string]string{"hold_ref": p.ProcessorRef},
	})
	p.Status = models.PaymentCanceled
	telemetry.Voids.Inc()
	o.notify.PaymentStatusChanged(ctx, p)
	return p, nil
}

// Refund returns captured funds, fully or partially. amountCents of zero
// means the full captured amount. A credit ledger entry is written because
// money actually moved.
func (o *Orchestrator) Refund(ctx context.Context, job models.Job, amountCents int64) (models.Payment, error) {
	p, ok, err := o.store.ActivePayment(ctx, job.ID)
	if err != nil {
		return models.Payment{}, err
	}
	if !ok || p.Status != models.PaymentCaptured {
		return models.Payment{}, &ConflictError{Op: "refund", Status: paymentStatusLabel(p, ok), Allowed: string(models.PaymentCaptured)}
	}
	if amountCents == 0 {
		amountCents = p.AmountCents
	}
	if amountCents < 0 || amountCents > p.AmountCents {
		return models.Payment{}, &ValidationError{Field: "amount_cents", Reason: fmt.Sprintf("must be within (0, %d]", p.AmountCents)}
	}

	if err := o.proc.Refund(ctx, p.ProcessorRef, amountCents); err != nil {
		telemetry.ProcessorFailures.Inc()
		return models.Payment{}, err
	}
	err = o.store.RecordRefund(ctx, RefundRecord{
		PaymentID:   p.ID,
		JobID:       job.ID,
		CustomerID:  job.CustomerID,
		AmountCents: amountCents,
		Event: models.JobEvent{
			ID:      uuid.NewString(),
			JobID:   job.ID,
			Type:    models.EventPaymentRefunded,
			Actor:   "escrow",
			IdemKey: "payment:refund:" + p.ID,
			Detail:  map[string]string{"hold_ref": p.ProcessorRef, "amount_cents": fmt.Sprint(amountCents)},
		},
	})
	if err != nil {
		return models.Payment{}, err
	}
	p.Status = models.PaymentRefunded
	telemetry.Refunds.Inc()
	o.notify.PaymentStatusChanged(ctx, p)
	return p, nil
}

func paymentStatusLabel(p models.Payment, ok bool) string {
	if !ok {
		return "none"
	}
	return string(p.Status)
}
