package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rescue-coordinator/internal/escrow"
	"rescue-coordinator/internal/models"
)

// Memory is an in-process escrow.Store with the same compare-and-set
// discipline as the Postgres store. Tests use it to exercise the lifecycle,
// orchestrator, and reconciler without a database.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]models.Job
	payments    map[string]models.Payment
	assignments map[string]models.Assignment // keyed by job id
	media       []models.ProofMedia
	events      []models.JobEvent
	eventByKey  map[string]models.JobEvent
	ledger      []models.LedgerEntry
	providers   map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]models.Job),
		payments:    make(map[string]models.Payment),
		assignments: make(map[string]models.Assignment),
		eventByKey:  make(map[string]models.JobEvent),
		providers:   make(map[string]int64),
	}
}

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id string, from, to models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != from {
		return models.ErrConcurrentModification
	}
	job.Status = to
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *Memory) SetJobProvider(_ context.Context, jobID, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	job.ProviderID = &providerID
	m.jobs[jobID] = job
	return nil
}

func (m *Memory) SetCancelReason(_ context.Context, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	job.CancelReason = &reason
	m.jobs[jobID] = job
	return nil
}

func (m *Memory) SetCompletionNotes(_ context.Context, jobID, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	job.CompletionNotes = notes
	m.jobs[jobID] = job
	return nil
}

func (m *Memory) CreatePayment(_ context.Context, p models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Active() {
		for _, q := range m.payments {
			if q.JobID == p.JobID && q.Active() {
				return models.ErrConcurrentModification
			}
		}
	}
	m.payments[p.ID] = p
	return nil
}

func (m *Memory) ActivePayment(_ context.Context, jobID string) (models.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found models.Payment
	var ok bool
	for _, p := range m.payments {
		if p.JobID == jobID && p.Active() {
			if !ok || p.AuthorizedAt.After(found.AuthorizedAt) {
				found, ok = p, true
			}
		}
	}
	return found, ok, nil
}

func (m *Memory) PaymentByProcessorRef(_ context.Context, ref string) (models.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ProcessorRef == ref {
			return p, true, nil
		}
	}
	return models.Payment{}, false, nil
}

// Payment returns a payment by id for test assertions.
func (m *Memory) Payment(id string) (models.Payment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	return p, ok
}

func (m *Memory) UpdatePaymentStatus(_ context.Context, id string, from, to models.PaymentStatus, failureReason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casPaymentLocked(id, from, to, failureReason)
}

func (m *Memory) casPaymentLocked(id string, from, to models.PaymentStatus, failureReason *string) error {
	p, ok := m.payments[id]
	if !ok || p.Status != from {
		return models.ErrConcurrentModification
	}
	p.Status = to
	if failureReason != nil {
		p.FailureReason = failureReason
	}
	now := time.Now().UTC()
	switch to {
	case models.PaymentCaptured:
		p.CapturedAt = &now
	case models.PaymentCanceled:
		p.CanceledAt = &now
	case models.PaymentRefunded:
		p.RefundedAt = &now
	case models.PaymentFailed:
		p.FailedAt = &now
	}
	m.payments[id] = p
	return nil
}

func (m *Memory) RecordCapture(_ context.Context, rec escrow.CaptureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.casPaymentLocked(rec.PaymentID, models.PaymentAuthorized, models.PaymentCaptured, nil); err != nil {
		return err
	}
	m.ledger = append(m.ledger, models.LedgerEntry{
		ID:          rec.Event.ID + "-dr",
		CustomerID:  rec.CustomerID,
		JobID:       &rec.JobID,
		PaymentID:   &rec.PaymentID,
		Type:        models.LedgerReceipt,
		AmountCents: -rec.AmountCents,
		CreatedAt:   time.Now().UTC(),
	})
	m.appendEventLocked(rec.Event)
	if rec.ProviderID != "" {
		m.providers[rec.ProviderID]++
	}
	return nil
}

func (m *Memory) RecordRefund(_ context.Context, rec escrow.RefundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.casPaymentLocked(rec.PaymentID, models.PaymentCaptured, models.PaymentRefunded, nil); err != nil {
		return err
	}
	m.ledger = append(m.ledger, models.LedgerEntry{
		ID:          rec.Event.ID + "-cr",
		CustomerID:  rec.CustomerID,
		JobID:       &rec.JobID,
		PaymentID:   &rec.PaymentID,
		Type:        models.LedgerRefund,
		AmountCents: rec.AmountCents,
		CreatedAt:   time.Now().UTC(),
	})
	m.appendEventLocked(rec.Event)
	return nil
}

func (m *Memory) RecordPaymentSync(_ context.Context, rec escrow.SyncRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.eventByKey[rec.Event.IdemKey]; exists {
		return false, nil
	}
	if err := m.casPaymentLocked(rec.PaymentID, rec.From, rec.To, rec.FailureReason); err != nil {
		return false, err
	}
	m.appendEventLocked(rec.Event)
	return true, nil
}

func (m *Memory) CreateAssignment(_ context.Context, a models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.assignments[a.JobID]; exists {
		return fmt.Errorf("job %s already assigned", a.JobID)
	}
	m.assignments[a.JobID] = a
	return nil
}

func (m *Memory) AssignmentForJob(_ context.Context, jobID string) (models.Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[jobID]
	return a, ok, nil
}

func (m *Memory) SetCheckIn(_ context.Context, jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[jobID]
	if !ok {
		return fmt.Errorf("assignment for job %s: %w", jobID, ErrNotFound)
	}
	if a.CheckInAt == nil {
		a.CheckInAt = &at
		m.assignments[jobID] = a
	}
	return nil
}

func (m *Memory) SetCheckOut(_ context.Context, jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[jobID]
	if !ok {
		return fmt.Errorf("assignment for job %s: %w", jobID, ErrNotFound)
	}
	if a.CheckOutAt == nil {
		a.CheckOutAt = &at
		m.assignments[jobID] = a
	}
	return nil
}

func (m *Memory) AddProofMedia(_ context.Context, pm models.ProofMedia) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media = append(m.media, pm)
	return nil
}

func (m *Memory) ProofMediaCount(_ context.Context, jobID, purpose string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, pm := range m.media {
		if pm.JobID == jobID && pm.Purpose == purpose {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev models.JobEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEventLocked(ev), nil
}

func (m *Memory) appendEventLocked(ev models.JobEvent) bool {
	if _, exists := m.eventByKey[ev.IdemKey]; exists {
		return false
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, ev)
	m.eventByKey[ev.IdemKey] = ev
	return true
}

func (m *Memory) EventByKey(_ context.Context, idemKey string) (models.JobEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.eventByKey[idemKey]
	return ev, ok, nil
}

func (m *Memory) ListEvents(_ context.Context, jobID string) ([]models.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobEvent
	for _, ev := range m.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertLedgerEntry(_ context.Context, e models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.ledger = append(m.ledger, e)
	return nil
}

func (m *Memory) CustomerBalance(_ context.Context, customerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, e := range m.ledger {
		if e.CustomerID == customerID {
			total += e.AmountCents
		}
	}
	return total, nil
}

func (m *Memory) IncrementProviderCompleted(_ context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[providerID]++
	return nil
}

// LedgerEntriesForJob returns the ledger rows referencing a job, for tests.
func (m *Memory) LedgerEntriesForJob(jobID string) []models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range m.ledger {
		if e.JobID != nil && *e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

// ProviderCompleted returns the provider's completed-job counter, for tests.
func (m *Memory) ProviderCompleted(providerID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.providers[providerID]
}

// EventsOfType returns the job's events of one type, for tests.
func (m *Memory) EventsOfType(jobID, eventType string) []models.JobEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobEvent
	for _, ev := range m.events {
		if ev.JobID == jobID && ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
