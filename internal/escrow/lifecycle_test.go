package escrow_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"rescue-coordinator/internal/escrow"
	"rescue-coordinator/internal/models"
	"rescue-coordinator/internal/processor"
)

func TestConfirmRequiresNonZeroPrice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job, err := f.lifecycle.Create(ctx, customer, escrow.CreateParams{ServiceType: "jumpstart"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = f.lifecycle.Confirm(ctx, customer, job.ID)
	var validation *escrow.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.proc.holds != 0 {
		t.Fatalf("no hold should be placed for a zero price")
	}
}

func TestConfirmProcessorDeclineLeavesJobCreated(t *testing.T) {
	f := newFixture()
	f.proc.failCreateHold = &processor.Error{Op: "create_hold", Code: "declined"}
	ctx := context.Background()

	job, err := f.lifecycle.Create(ctx, customer, escrow.CreateParams{ServiceType: "tow", PriceCents: 4500})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = f.lifecycle.Confirm(ctx, customer, job.ID)
	var authz *escrow.AuthorizationError
	if !errors.As(err, &authz) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	got, err := f.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobCreated {
		t.Fatalf("job should stay created, got %s", got.Status)
	}
	if _, ok, _ := f.store.ActivePayment(ctx, job.ID); ok {
		t.Fatalf("no payment row should exist after a decline")
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := createConfirmedJob(t, f, 4500)
	again, err := f.lifecycle.Confirm(ctx, customer, job.ID)
	if err != nil {
		t.Fatalf("replayed confirm: %v", err)
	}
	if again.Status != models.JobRequested {
		t.Fatalf("expected requested, got %s", again.Status)
	}
	if f.proc.holds != 1 {
		t.Fatalf("replay must not place a second hold, got %d", f.proc.holds)
	}
}

// Scenario: confirm then cancel before assignment. The hold is voided, the
// job ends canceled_by_user, and no money ever moved so the ledger is empty.
func TestCancelBeforeAssignmentVoidsHold(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := createConfirmedJob(t, f, 4500)
	p, ok, _ := f.store.ActivePayment(ctx, job.ID)
	if !ok || p.Status != models.PaymentAuthorized {
		t.Fatalf("expected authorized payment, got %+v ok=%v", p, ok)
	}

	got, err := f.lifecycle.Cancel(ctx, customer, job.ID, "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.JobCanceledByUser {
		t.Fatalf("expected canceled_by_user, got %s", got.Status)
	}
	final, _ := f.store.Payment(p.ID)
	if final.Status != models.PaymentCanceled {
		t.Fatalf("expected canceled payment, got %s", final.Status)
	}
	if entries := f.store.LedgerEntriesForJob(job.ID); len(entries) != 0 {
		t.Fatalf("void must not create ledger entries, got %d", len(entries))
	}
	if f.proc.cancels != 1 {
		t.Fatalf("expected one processor cancel, got %d", f.proc.cancels)
	}
}

// Scenario: full happy path through completion. Funds are captured, the
// customer is debited once, and the provider's counter is bumped.
func TestCompleteCapturesAndDebitsLedger(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := createConfirmedJob(t, f, 4500)
	driveToInProgress(t, f, job.ID)
	attachProof(t, f, job.ID)

	got, err := f.lifecycle.Complete(ctx, provider, job.ID, "swapped the flat, torqued to spec")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	p, ok, _ := f.store.PaymentByProcessorRef(ctx, "hold_1")
	if !ok || p.Status != models.PaymentCaptured {
		t.Fatalf("expected captured payment, got %+v", p)
	}
	entries := f.store.LedgerEntriesForJob(job.ID)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(entries))
	}
	if entries[0].AmountCents != -4500 || entries[0].Type != models.LedgerReceipt {
		t.Fatalf("expected -4500 receipt, got %+v", entries[0])
	}
	if balance, _ := f.store.CustomerBalance(ctx, customer.UserID); balance != -4500 {
		t.Fatalf("expected balance -4500, got %d", balance)
	}
	if n := f.store.ProviderCompleted(provider.UserID); n != 1 {
		t.Fatalf("expected completed counter 1, got %d", n)
	}
}

// Scenario: completion without proof media is rejected with the proof_media
// gate and changes nothing.
func TestCompleteWithoutProofMediaIsRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := createConfirmedJob(t, f, 4500)
	driveToInProgress(t, f, job.ID)

	_, err := f.lifecycle.Complete(ctx, provider, job.ID, "done")
	var gate *escrow.GateFailure
	if !errors.As(err, &gate) {
		t.Fatalf("expected gate failure, got %v", err)
	}
	if gate.Gate != escrow.GateProofMedia {
		t.Fatalf("expected proof_media gate, got %s", gate.Gate)
	}

	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Status != models.JobInProgress {
		t.Fatalf("job must remain in_progress, got %s", got.Status)
	}
	p, ok, _ := f.store.ActivePayment(ctx, job.ID)
	if !ok || p.Status != models.PaymentAuthorized {
		t.Fatalf("payment must remain authorized, got %+v", p)
	}
	if f.proc.captures != 0 {
		t.Fatalf("capture must not be attempted")
	}
	if rejects := f.store.EventsOfType(job.ID, models.EventProofRejected); len(rejects) != 1 {
		t.Fatalf("expected one rejection audit event, got %d", len(rejects))
	}
}

func TestCompleteIsRetryableAfterGateFixed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := createConfirmedJob(t, f, 4500)
	driveToInProgress(t, f, job.ID)

	if _, err := f.lifecycle.Complete(ctx, provider, job.ID, "done"); err == nil {
		t.Fatal("expected rejection without proof media")
	}
	attachProof(t, f, job.ID)
	if _, err := f.lifecycle.Complete(ctx, provider, job.ID, "done"); err != nil {
		t.Fatalf("retry after fixing gate: %v", err)
	}
}

func TestCancelAfterCaptureRefundsWithCredit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := createConfirmedJob(t, f, 4500)
	driveToInProgress(t, f, job.ID)
	attachProof(t, f, job.ID)
	if _, err := f.lifecycle.Complete(ctx, provider, job.ID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Completed is terminal for cancel; an admin dispute is not. Refund the
	// captured payment directly to cover the post-capture return path.
	captured, _, _ := f.store.PaymentByProcessorRef(ctx, "hold_1")
	got, _ := f.store.GetJob(ctx, job.ID)
	if _, err := f.orch.Refund(ctx, got, 0); err != nil {
		t.Fatalf("refund: %v", err)
	}

	final, _ := f.store.Payment(captured.ID)
	if final.Status != models.PaymentRefunded {
		t.Fatalf("expected refunded payment, got %s", final.Status)
	}
	entries := f.store.LedgerEntriesForJob(job.ID)
	if len(entries) != 2 {
		t.Fatalf("expected debit and credit, got %d entries", len(entries))
	}
	var credit int64
	for _, e := range entries {
		if e.Type == models.LedgerRefund {
			credit = e.AmountCents
		}
	}
	if credit != 4500 {
		t.Fatalf("expected 4500 credit, got %d", credit)
	}
	if balance, _ := f.store.CustomerBalance(ctx, customer.UserID); balance != 0 {
		t.Fatalf("expected net zero balance after refund, got %d", balance)
	}
}

func TestNoProviderFoundVoidsHold(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := createConfirmedJob(t, f, 4500)
	if _, err := f.lifecycle.StartMatching(ctx, job.ID); err != nil {
		t.Fatalf("start matching: %v", err)
	}
	got, err := f.lifecycle.NoProviderFound(ctx, job.ID)
	if err != nil {
		t.Fatalf("no provider found: %v", err)
	}
	if got.Status != models.JobNoProviderFound {
		t.Fatalf("expected no_provider_found, got %s", got.Status)
	}
	if entries := f.store.LedgerEntriesForJob(job.ID); len(entries) != 0 {
		t.Fatalf("void path must not touch the ledger")
	}
}

func TestProgressRequiresAssignedProvider(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := createConfirmedJob(t, f, 4500)
	if _, err := f.lifecycle.Assign(ctx, job.ID, provider.UserID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	stranger := provider
	stranger.UserID = "prov-2"
	_, err := f.lifecycle.Progress(ctx, stranger, job.ID, models.JobEnRoute)
	var perm *escrow.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

// Scenario: cancel and complete race from in_progress. The payment
// compare-and-set arbitrates: exactly one wins and the loser surfaces
// ErrConcurrentModification.
func TestConcurrentCancelAndComplete(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := createConfirmedJob(t, f, 4500)
	driveToInProgress(t, f, job.ID)
	attachProof(t, f, job.ID)

	f.proc.cancelEntered = make(chan struct{})
	f.proc.cancelRelease = make(chan struct{})

	var wg sync.WaitGroup
	var cancelErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, cancelErr = f.lifecycle.Cancel(ctx, customer, job.ID, "too slow")
	}()

	// Wait until cancel is inside the processor call, then let complete win.
	<-f.proc.cancelEntered
	if _, err := f.lifecycle.Complete(ctx, provider, job.ID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	close(f.proc.cancelRelease)
	wg.Wait()

	if !errors.Is(cancelErr, models.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification for the loser, got %v", cancelErr)
	}
	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	p, _, _ := f.store.PaymentByProcessorRef(ctx, "hold_1")
	if p.Status != models.PaymentCaptured {
		t.Fatalf("expected captured payment, got %s", p.Status)
	}
	if entries := f.store.LedgerEntriesForJob(job.ID); len(entries) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(entries))
	}
}

// Scenario: two confirms race past the replay check before either records
// its event. Both place holds, but the store admits only one active payment;
// the loser surfaces ErrConcurrentModification and releases its extra hold.
func TestConcurrentConfirmKeepsSingleActivePayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job, err := f.lifecycle.Create(ctx, customer, escrow.CreateParams{ServiceType: "tow", PriceCents: 4500})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.proc.holdEntered = make(chan struct{})
	f.proc.holdRelease = make(chan struct{})

	var wg sync.WaitGroup
	var slowErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, slowErr = f.lifecycle.Confirm(ctx, customer, job.ID)
	}()

	// Wait until the first confirm is inside CreateHold, then let a second
	// confirm run to completion.
	<-f.proc.holdEntered
	got, err := f.lifecycle.Confirm(ctx, customer, job.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != models.JobRequested {
		t.Fatalf("expected requested, got %s", got.Status)
	}
	close(f.proc.holdRelease)
	wg.Wait()

	if !errors.Is(slowErr, models.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification for the loser, got %v", slowErr)
	}
	p, ok, _ := f.store.ActivePayment(ctx, job.ID)
	if !ok || p.Status != models.PaymentAuthorized {
		t.Fatalf("expected one authorized payment, got %+v ok=%v", p, ok)
	}
	if f.proc.holds != 2 {
		t.Fatalf("expected both holds placed, got %d", f.proc.holds)
	}
	if f.proc.cancels != 1 {
		t.Fatalf("loser must release its extra hold, got %d cancels", f.proc.cancels)
	}
}

func TestAuthorizeRejectsSecondActivePayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := createConfirmedJob(t, f, 4500)
	got, _ := f.store.GetJob(ctx, job.ID)
	_, err := f.orch.Authorize(ctx, got)
	var conflict *escrow.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict for a second authorize, got %v", err)
	}
	if f.proc.holds != 1 {
		t.Fatalf("no second hold may be placed, got %d", f.proc.holds)
	}
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job := createConfirmedJob(t, f, 4500)
	if _, err := f.lifecycle.Cancel(ctx, customer, job.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := f.lifecycle.Cancel(ctx, admin, job.ID, "again")
	if err != nil {
		// The replay matches the original idempotency key only for the same
		// operation; an admin cancel after a terminal state conflicts.
		var conflict *escrow.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		return
	}
	// Idempotent replay returning the terminal job is also acceptable.
	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Status != models.JobCanceledByUser {
		t.Fatalf("expected canceled_by_user, got %s", got.Status)
	}
}
