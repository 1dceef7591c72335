package escrow_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"rescue-coordinator/internal/escrow"
	"rescue-coordinator/internal/models"
	"rescue-coordinator/internal/processor"
)

func newReconcilerFixture(t *testing.T) (*fixture, *escrow.Reconciler, models.Job, models.Payment) {
	t.Helper()
	f := newFixture()
	rec := escrow.NewReconciler(f.store, nil, zap.NewNop())
	job := createConfirmedJob(t, f, 4500)
	p, ok, _ := f.store.ActivePayment(context.Background(), job.ID)
	if !ok {
		t.Fatal("expected an authorized payment")
	}
	return f, rec, job, p
}

func TestReconcilerAppliesCaptureEvent(t *testing.T) {
	f, rec, job, p := newReconcilerFixture(t)
	ctx := context.Background()

	outcome, err := rec.Apply(ctx, processor.Event{
		ID:         "evt-1",
		Type:       processor.EventCaptureSucceeded,
		HoldRef:    p.ProcessorRef,
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != escrow.OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	got, _ := f.store.Payment(p.ID)
	if got.Status != models.PaymentCaptured {
		t.Fatalf("expected captured, got %s", got.Status)
	}
	if events := f.store.EventsOfType(job.ID, models.EventProcessorSync); len(events) != 1 {
		t.Fatalf("expected one sync event, got %d", len(events))
	}
}

// Scenario: a duplicate delivery of the same event is a no-op and leaves
// exactly one audit event behind.
func TestReconcilerDuplicateEventIsNoOp(t *testing.T) {
	f, rec, job, p := newReconcilerFixture(t)
	ctx := context.Background()

	ev := processor.Event{ID: "evt-1", Type: processor.EventCaptureSucceeded, HoldRef: p.ProcessorRef}
	if outcome, err := rec.Apply(ctx, ev); err != nil || outcome != escrow.OutcomeApplied {
		t.Fatalf("first apply: outcome=%v err=%v", outcome, err)
	}
	outcome, err := rec.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if outcome != escrow.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", outcome)
	}
	if events := f.store.EventsOfType(job.ID, models.EventProcessorSync); len(events) != 1 {
		t.Fatalf("replay must not add a second event, got %d", len(events))
	}
	got, _ := f.store.Payment(p.ID)
	if got.Status != models.PaymentCaptured {
		t.Fatalf("expected captured, got %s", got.Status)
	}
}

// An event implying a state the payment already reached (or passed) must not
// regress it.
func TestReconcilerStaleEventCannotRegress(t *testing.T) {
	f, rec, _, p := newReconcilerFixture(t)
	ctx := context.Background()

	if _, err := rec.Apply(ctx, processor.Event{ID: "evt-1", Type: processor.EventCaptureSucceeded, HoldRef: p.ProcessorRef}); err != nil {
		t.Fatalf("capture event: %v", err)
	}
	// hold.confirmed arrives late, after capture.
	outcome, err := rec.Apply(ctx, processor.Event{ID: "evt-2", Type: processor.EventHoldConfirmed, HoldRef: p.ProcessorRef})
	if err != nil {
		t.Fatalf("late event: %v", err)
	}
	if outcome != escrow.OutcomeStale {
		t.Fatalf("expected stale, got %s", outcome)
	}
	got, _ := f.store.Payment(p.ID)
	if got.Status != models.PaymentCaptured {
		t.Fatalf("late event must not regress status, got %s", got.Status)
	}
}

func TestReconcilerUnknownRefIsDropped(t *testing.T) {
	_, rec, _, _ := newReconcilerFixture(t)

	outcome, err := rec.Apply(context.Background(), processor.Event{
		ID:      "evt-x",
		Type:    processor.EventCaptureSucceeded,
		HoldRef: "hold_unknown",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != escrow.OutcomeUnknown {
		t.Fatalf("expected unknown, got %s", outcome)
	}
}

func TestReconcilerMalformedEventIsDropped(t *testing.T) {
	_, rec, _, p := newReconcilerFixture(t)

	outcome, err := rec.Apply(context.Background(), processor.Event{ID: "evt-y", Type: "mystery.event", HoldRef: p.ProcessorRef})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != escrow.OutcomeUnknown {
		t.Fatalf("expected unknown, got %s", outcome)
	}
}

// A payment failure reported by the processor pushes a still-matching job out
// of the pipeline.
func TestReconcilerPaymentFailedFailsJob(t *testing.T) {
	f, rec, job, p := newReconcilerFixture(t)
	ctx := context.Background()

	outcome, err := rec.Apply(ctx, processor.Event{
		ID:      "evt-f",
		Type:    processor.EventPaymentFailed,
		HoldRef: p.ProcessorRef,
		Reason:  "card_expired",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != escrow.OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	gotP, _ := f.store.Payment(p.ID)
	if gotP.Status != models.PaymentFailed {
		t.Fatalf("expected failed payment, got %s", gotP.Status)
	}
	if gotP.FailureReason == nil || *gotP.FailureReason != "card_expired" {
		t.Fatalf("expected failure reason recorded, got %v", gotP.FailureReason)
	}
	gotJob, _ := f.store.GetJob(ctx, job.ID)
	if gotJob.Status != models.JobRefunded {
		t.Fatalf("expected job pushed to refunded, got %s", gotJob.Status)
	}
}

func TestReconcilerRefundEventAfterCapture(t *testing.T) {
	f, rec, _, p := newReconcilerFixture(t)
	ctx := context.Background()

	if _, err := rec.Apply(ctx, processor.Event{ID: "evt-1", Type: processor.EventCaptureSucceeded, HoldRef: p.ProcessorRef}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	outcome, err := rec.Apply(ctx, processor.Event{ID: "evt-2", Type: processor.EventRefundIssued, HoldRef: p.ProcessorRef})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if outcome != escrow.OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	got, _ := f.store.Payment(p.ID)
	if got.Status != models.PaymentRefunded {
		t.Fatalf("expected refunded, got %s", got.Status)
	}
}
