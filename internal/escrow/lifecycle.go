package escrow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rescue-coordinator/internal/auth"
	"rescue-coordinator/internal/models"
	"rescue-coordinator/internal/telemetry"
)

// Lifecycle is the only writer of job status. Every externally triggered
// mutation derives an idempotency key from the job id and operation; a retry
// finds the prior audit event and returns the recorded outcome instead of
// re-running the side effect.
type Lifecycle struct {
	store  Store
	orch   *Orchestrator
	notify Notifier
	log    *zap.Logger
}

func NewLifecycle(store Store, orch *Orchestrator, notify Notifier, log *zap.Logger) *Lifecycle {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Lifecycle{store: store, orch: orch, notify: notify, log: log}
}

// CreateParams is the client's service request.
type CreateParams struct {
	ServiceType string
	PriceCents  int64
	Currency    string
}

// Create records a new job in status created. No money is touched until the
// customer confirms.
func (l *Lifecycle) Create(ctx context.Context, caller auth.Principal, p CreateParams) (models.Job, error) {
	if strings.TrimSpace(p.ServiceType) == "" {
		return models.Job{}, &ValidationError{Field: "service_type", Reason: "is required"}
	}
	if p.PriceCents < 0 {
		return models.Job{}, &ValidationError{Field: "price_cents", Reason: "must not be negative"}
	}
	if p.Currency == "" {
		p.Currency = "usd"
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.NewString(),
		CustomerID:  caller.UserID,
		ServiceType: p.ServiceType,
		PriceCents:  p.PriceCents,
		Currency:    p.Currency,
		Status:      models.JobCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, err
	}
	_, _ = l.store.AppendEvent(ctx, models.JobEvent{
		ID:      uuid.NewString(),
		JobID:   job.ID,
		Type:    models.EventJobCreated,
		Actor:   caller.UserID,
		IdemKey: "job:create:" + job.ID,
		Detail:  map[string]string{"service_type": p.ServiceType},
	})
	return job, nil
}

// Confirm authorizes the escrow hold and moves the job to requested. On
// processor failure the job stays created and no payment row exists.
func (l *Lifecycle) Confirm(ctx context.Context, caller auth.Principal, jobID string) (models.Job, error) {
	if done, job, err := l.alreadyApplied(ctx, jobID, "job:confirm:"+jobID); done || err != nil {
		return job, err
	}
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !caller.IsAdmin() && caller.UserID != job.CustomerID {
		return models.Job{}, &PermissionError{Op: "confirm"}
	}
	if job.Status != models.JobCreated {
		return models.Job{}, &ConflictError{Op: "confirm", Status: string(job.Status), Allowed: string(models.JobCreated)}
	}
	if job.PriceCents <= 0 {
		return models.Job{}, &ValidationError{Field: "price_cents", Reason: "must be computed and non-zero before confirm"}
	}

	if _, err := l.orch.Authorize(ctx, job); err != nil {
		return models.Job{}, err
	}
	return l.transition(ctx, job, models.JobRequested, models.EventJobConfirmed, caller.UserID, "job:confirm:"+jobID, nil)
}

// Cancel exits any non-terminal state. An authorized hold is voided, captured
// funds are refunded; the terminal status depends on who canceled.
func (l *Lifecycle) Cancel(ctx context.Context, caller auth.Principal, jobID, reason string) (models.Job, error) {
	if done, job, err := l.alreadyApplied(ctx, jobID, "job:cancel:"+jobID); done || err != nil {
		return job, err
	}
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if models.IsTerminalJobStatus(job.Status) {
		return models.Job{}, &ConflictError{Op: "cancel", Status: string(job.Status), Allowed: "any non-terminal"}
	}
	if err := l.requireParticipant(ctx, caller, job, "cancel"); err != nil {
		return models.Job{}, err
	}

	target := models.JobCanceledByUser
	if caller.IsProvider() {
		target = models.JobCanceledByProvider
	}

	p, ok, err := l.store.ActivePayment(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if ok {
		switch p.Status {
		case models.PaymentAuthorized:
			if _, err := l.orch.Void(ctx, job); err != nil {
				return models.Job{}, err
			}
		case models.PaymentCaptured:
			if _, err := l.orch.Refund(ctx, job, 0); err != nil {
				return models.Job{}, err
			}
		}
	}

	if reason != "" {
		if err := l.store.SetCancelReason(ctx, jobID, reason); err != nil {
			return models.Job{}, err
		}
	}
	detail := map[string]string{"reason": reason}
	return l.transition(ctx, job, target, models.EventJobCanceled, caller.UserID, "job:cancel:"+jobID, detail)
}

// Complete evaluates the proof gate and, on pass, captures the hold and moves
// the job to completed. A gate failure leaves the job in_progress and is
// retryable once the precondition is met.
func (l *Lifecycle) Complete(ctx context.Context, caller auth.Principal, jobID, notes string) (models.Job, error) {
	if done, job, err := l.alreadyApplied(ctx, jobID, "job:complete:"+jobID); done || err != nil {
		return job, err
	}
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	asg, hasAsg, err := l.store.AssignmentForJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	var asgPtr *models.Assignment
	if hasAsg {
		asgPtr = &asg
	}
	proofCount, err := l.store.ProofMediaCount(ctx, jobID, models.PurposeCompletionProof)
	if err != nil {
		return models.Job{}, err
	}

	if gate, ok := EvaluateProof(ProofInput{
		Job:        job,
		Assignment: asgPtr,
		ProofCount: proofCount,
		Notes:      notes,
		Caller:     caller,
	}); !ok {
		telemetry.GateRejections.WithLabelValues(string(gate)).Inc()
		// Rejections do not change status but are still audited.
		_, _ = l.store.AppendEvent(ctx, models.JobEvent{
			ID:      uuid.NewString(),
			JobID:   jobID,
			Type:    models.EventProofRejected,
			Actor:   caller.UserID,
			IdemKey: "job:proof_rejected:" + jobID + ":" + uuid.NewString(),
			Detail:  map[string]string{"gate": string(gate)},
		})
		return models.Job{}, &GateFailure{Gate: gate}
	}

	if strings.TrimSpace(notes) != "" {
		if err := l.store.SetCompletionNotes(ctx, jobID, notes); err != nil {
			return models.Job{}, err
		}
		job.CompletionNotes = notes
	}

	if _, err := l.orch.Capture(ctx, job); err != nil {
		return models.Job{}, err
	}
	_ = l.store.SetCheckOut(ctx, jobID, time.Now().UTC())
	return l.transition(ctx, job, models.JobCompleted, models.EventJobCompleted, caller.UserID, "job:complete:"+jobID, nil)
}

// Assign is the dispatch collaborator's callback binding a provider.
func (l *Lifecycle) Assign(ctx context.Context, jobID, providerID string) (models.Job, error) {
	idemKey := "job:assign:" + jobID + ":" + providerID
	if done, job, err := l.alreadyApplied(ctx, jobID, idemKey); done || err != nil {
		return job, err
	}
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.JobRequested && job.Status != models.JobMatching {
		return models.Job{}, &ConflictError{Op: "assign", Status: string(job.Status), Allowed: "requested or matching"}
	}

	if err := l.store.CreateAssignment(ctx, models.Assignment{
		ID:         uuid.NewString(),
		JobID:      jobID,
		ProviderID: providerID,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return models.Job{}, err
	}
	if err := l.store.SetJobProvider(ctx, jobID, providerID); err != nil {
		return models.Job{}, err
	}
	job.ProviderID = &providerID
	detail := map[string]string{"provider_id": providerID}
	return l.transition(ctx, job, models.JobAssigned, models.EventJobAssigned, "dispatch", idemKey, detail)
}

// StartMatching records that the dispatch collaborator began searching.
func (l *Lifecycle) StartMatching(ctx context.Context, jobID string) (models.Job, error) {
	idemKey := "job:matching:" + jobID
	if done, job, err := l.alreadyApplied(ctx, jobID, idemKey); done || err != nil {
		return job, err
	}
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	return l.transition(ctx, job, models.JobMatching, models.EventJobProgress, "dispatch", idemKey, nil)
}

// NoProviderFound is the dispatch collaborator's exhausted-matching callback.
// The hold is released; no ledger entry is ever written on this path.
func (l *Lifecycle) NoProviderFound(ctx context.Context, jobID string) (models.Job, error) {
	idemKey := "job:no_provider:" + jobID
	if done, job, err := l.alreadyApplied(ctx, jobID, idemKey); done || err != nil {
		return job, err
	}
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.JobRequested && job.Status != models.JobMatching {
		return models.Job{}, &ConflictError{Op: "no_provider_found", Status: string(job.Status), Allowed: "requested or matching"}
	}

	if p, ok, err := l.store.ActivePayment(ctx, jobID); err != nil {
		return models.Job{}, err
	} else if ok && p.Status == models.PaymentAuthorized {
		if _, err := l.orch.Void(ctx, job); err != nil {
			return models.Job{}, err
		}
	}
	return l.transition(ctx, job, models.JobNoProviderFound, models.EventNoProviderFound, "dispatch", idemKey, nil)
}

// Progress advances assigned -> en_route -> on_site -> in_progress. Only the
// assigned provider (or an admin) may report progress.
func (l *Lifecycle) Progress(ctx context.Context, caller auth.Principal, jobID string, to models.JobStatus) (models.Job, error) {
	switch to {
	case models.JobEnRoute, models.JobOnSite, models.JobInProgress:
	default:
		return models.Job{}, &ValidationError{Field: "status", Reason: "is not a progress state"}
	}
	idemKey := "job:progress:" + jobID + ":" + string(to)
	if done, job, err := l.alreadyApplied(ctx, jobID, idemKey); done || err != nil {
		return job, err
	}
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if err := l.requireAssignedProvider(ctx, caller, jobID); err != nil {
		return models.Job{}, err
	}
	return l.transition(ctx, job, to, models.EventJobProgress, caller.UserID, idemKey, nil)
}

// CheckIn stamps the assignment's arrival time; the proof gate requires it
// before funds can be captured.
func (l *Lifecycle) CheckIn(ctx context.Context, caller auth.Principal, jobID string) error {
	if err := l.requireAssignedProvider(ctx, caller, jobID); err != nil {
		return err
	}
	if err := l.store.SetCheckIn(ctx, jobID, time.Now().UTC()); err != nil {
		return err
	}
	_, _ = l.store.AppendEvent(ctx, models.JobEvent{
		ID:      uuid.NewString(),
		JobID:   jobID,
		Type:    models.EventJobProgress,
		Actor:   caller.UserID,
		IdemKey: "job:check_in:" + jobID,
		Detail:  map[string]string{"step": "check_in"},
	})
	return nil
}

// Dispute is the administrative override freezing a job for manual review.
func (l *Lifecycle) Dispute(ctx context.Context, caller auth.Principal, jobID, reason string) (models.Job, error) {
	if !caller.IsAdmin() {
		return models.Job{}, &PermissionError{Op: "dispute"}
	}
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	detail := map[string]string{"reason": reason}
	return l.transition(ctx, job, models.JobDisputed, models.EventJobDisputed, caller.UserID, "job:dispute:"+jobID, detail)
}

// transition performs the single CAS status write for a call, appends its
// audit event, and publishes the change. A failed CAS surfaces as
// models.ErrConcurrentModification and writes nothing else.
func (l *Lifecycle) transition(ctx context.Context, job models.Job, to models.JobStatus, eventType, actor, idemKey string, detail map[string]string) (models.Job, error) {
	if !models.CanTransition(job.Status, to) {
		return models.Job{}, &ConflictError{Op: string(to), Status: string(job.Status), Allowed: "a legal source state"}
	}
	if err := l.store.UpdateJobStatus(ctx, job.ID, job.Status, to); err != nil {
		return models.Job{}, err
	}
	if detail == nil {
		detail = map[string]string{}
	}
	detail["from"] = string(job.Status)
	detail["to"] = string(to)
	_, _ = l.store.AppendEvent(ctx, models.JobEvent{
		ID:      uuid.NewString(),
		JobID:   job.ID,
		Type:    eventType,
		Actor:   actor,
		IdemKey: idemKey,
		Detail:  detail,
	})
	job.Status = to
	job.UpdatedAt = time.Now().UTC()
	l.notify.JobStatusChanged(ctx, job)
	l.log.Info("job transition",
		zap.String("job_id", job.ID),
		zap.String("from", detail["from"]),
		zap.String("to", string(to)))
	return job, nil
}

// alreadyApplied returns the job unchanged when an event with the operation's
// idempotency key was already recorded.
func (l *Lifecycle) alreadyApplied(ctx context.Context, jobID, idemKey string) (bool, models.Job, error) {
	if _, found, err := l.store.EventByKey(ctx, idemKey); err != nil {
		return false, models.Job{}, err
	} else if !found {
		return false, models.Job{}, nil
	}
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return true, models.Job{}, err
	}
	return true, job, nil
}

func (l *Lifecycle) requireParticipant(ctx context.Context, caller auth.Principal, job models.Job, op string) error {
	if caller.IsAdmin() || caller.UserID == job.CustomerID {
		return nil
	}
	if job.ProviderID != nil && caller.UserID == *job.ProviderID {
		return nil
	}
	return &PermissionError{Op: op}
}

func (l *Lifecycle) requireAssignedProvider(ctx context.Context, caller auth.Principal, jobID string) error {
	if caller.IsAdmin() {
		return nil
	}
	asg, ok, err := l.store.AssignmentForJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok || asg.ProviderID != caller.UserID {
		return &PermissionError{Op: "report progress"}
	}
	return nil
}
