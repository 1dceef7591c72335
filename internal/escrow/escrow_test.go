package escrow_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"rescue-coordinator/internal/auth"
	"rescue-coordinator/internal/escrow"
	"rescue-coordinator/internal/models"
	"rescue-coordinator/internal/processor"
	"rescue-coordinator/internal/store"
)

// fakeProcessor implements processor.Client with scriptable failures and
// one-shot gates that block CreateHold or CancelHold to stage races.
type fakeProcessor struct {
	mu             sync.Mutex
	holds          int
	captures       int
	cancels        int
	refunds        int
	failCreateHold error
	failCapture    error
	holdEntered    chan struct{}
	holdRelease    chan struct{}
	cancelEntered  chan struct{}
	cancelRelease  chan struct{}
}

func (f *fakeProcessor) EnsureCustomer(_ context.Context, customerID string) (string, error) {
	return "cus_" + customerID, nil
}

func (f *fakeProcessor) CreateHold(_ context.Context, req processor.HoldRequest) (string, error) {
	f.mu.Lock()
	gate, release := f.holdEntered, f.holdRelease
	f.holdEntered = nil
	f.mu.Unlock()
	if gate != nil {
		close(gate)
		<-release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateHold != nil {
		return "", f.failCreateHold
	}
	f.holds++
	return fmt.Sprintf("hold_%d", f.holds), nil
}

func (f *fakeProcessor) Capture(_ context.Context, holdRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCapture != nil {
		return f.failCapture
	}
	f.captures++
	return nil
}

func (f *fakeProcessor) CancelHold(_ context.Context, holdRef string) error {
	if f.cancelEntered != nil {
		close(f.cancelEntered)
		<-f.cancelRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeProcessor) Refund(_ context.Context, holdRef string, amountCents int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	return nil
}

type fixture struct {
	store     *store.Memory
	proc      *fakeProcessor
	lifecycle *escrow.Lifecycle
	orch      *escrow.Orchestrator
}

func newFixture() *fixture {
	st := store.NewMemory()
	proc := &fakeProcessor{}
	log := zap.NewNop()
	orch := escrow.NewOrchestrator(st, proc, nil, log)
	lc := escrow.NewLifecycle(st, orch, nil, log)
	return &fixture{store: st, proc: proc, lifecycle: lc, orch: orch}
}

var (
	customer = auth.Principal{UserID: "cust-1", Role: auth.RoleCustomer}
	provider = auth.Principal{UserID: "prov-1", Role: auth.RoleProvider}
	admin    = auth.Principal{UserID: "admin-1", Role: auth.RoleAdmin}
)

func createConfirmedJob(t *testing.T, f *fixture, price int64) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.lifecycle.Create(ctx, customer, escrow.CreateParams{ServiceType: "tow", PriceCents: price})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err = f.lifecycle.Confirm(ctx, customer, job.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return job
}

// driveToInProgress moves a confirmed job through assignment and progress
// reporting up to in_progress with the provider checked in.
func driveToInProgress(t *testing.T, f *fixture, jobID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.lifecycle.Assign(ctx, jobID, provider.UserID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	for _, to := range []models.JobStatus{models.JobEnRoute, models.JobOnSite, models.JobInProgress} {
		if _, err := f.lifecycle.Progress(ctx, provider, jobID, to); err != nil {
			t.Fatalf("progress to %s: %v", to, err)
		}
	}
	if err := f.lifecycle.CheckIn(ctx, provider, jobID); err != nil {
		t.Fatalf("check in: %v", err)
	}
}

func attachProof(t *testing.T, f *fixture, jobID string) {
	t.Helper()
	if err := f.store.AddProofMedia(context.Background(), models.ProofMedia{
		ID:      "pm-1",
		JobID:   jobID,
		Purpose: models.PurposeCompletionProof,
	}); err != nil {
		t.Fatalf("add proof media: %v", err)
	}
}
