package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"rescue-coordinator/internal/escrow"
	"rescue-coordinator/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. It satisfies escrow.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, customer_id, provider_id, service_type, price_cents, currency, status, completion_notes, cancel_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, job.ID, job.CustomerID, job.ProviderID, job.ServiceType, job.PriceCents, job.Currency, job.Status, job.CompletionNotes, job.CancelReason, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, provider_id, service_type, price_cents, currency, status, completion_notes, cancel_reason, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var provider, reason pgtype.Text
	if err := row.Scan(&job.ID, &job.CustomerID, &provider, &job.ServiceType, &job.PriceCents, &job.Currency, &job.Status, &job.CompletionNotes, &reason, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.ProviderID = textPtr(provider)
	job.CancelReason = textPtr(reason)
	return job, nil
}

// UpdateJobStatus performs the compare-and-set transition. Zero rows affected
// means the row moved since the caller's read.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, from, to models.JobStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConcurrentModification
	}
	return nil
}

func (s *Store) SetJobProvider(ctx context.Context, jobID, providerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET provider_id = $2, updated_at = NOW() WHERE id = $1`, jobID, providerID)
	return err
}

func (s *Store) SetCancelReason(ctx context.Context, jobID, reason string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET cancel_reason = $2, updated_at = NOW() WHERE id = $1`, jobID, reason)
	return err
}

func (s *Store) SetCompletionNotes(ctx context.Context, jobID, notes string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET completion_notes = $2, updated_at = NOW() WHERE id = $1`, jobID, notes)
	return err
}

// CreatePayment inserts the authorized payment row. A partial unique index on
// (job_id) over active statuses enforces the one-active-payment rule; a
// violation is reported as models.ErrConcurrentModification so the caller can
// treat it like any other lost race.
func (s *Store) CreatePayment(ctx context.Context, p models.Payment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, job_id, processor_ref, amount_cents, currency, status, failure_reason, authorized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.JobID, p.ProcessorRef, p.AmountCents, p.Currency, p.Status, p.FailureReason, p.AuthorizedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrConcurrentModification
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

const paymentColumns = `id, job_id, processor_ref, amount_cents, currency, status, failure_reason, authorized_at, captured_at, canceled_at, refunded_at, failed_at`

// ActivePayment returns the authorized or captured payment for a job, if any.
func (s *Store) ActivePayment(ctx context.Context, jobID string) (models.Payment, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE job_id = $1 AND status IN ($2, $3)
		ORDER BY authorized_at DESC LIMIT 1
	`, jobID, models.PaymentAuthorized, models.PaymentCaptured)
	return scanPayment(row)
}

func (s *Store) PaymentByProcessorRef(ctx context.Context, ref string) (models.Payment, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE processor_ref = $1`, ref)
	return scanPayment(row)
}

func scanPayment(row pgx.Row) (models.Payment, bool, error) {
	var p models.Payment
	var reason pgtype.Text
	var captured, canceled, refunded, failed pgtype.Timestamptz
	err := row.Scan(&p.ID, &p.JobID, &p.ProcessorRef, &p.AmountCents, &p.Currency, &p.Status, &reason, &p.AuthorizedAt, &captured, &canceled, &refunded, &failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Payment{}, false, nil
	}
	if err != nil {
		return models.Payment{}, false, fmt.Errorf("scan payment: %w", err)
	}
	p.FailureReason = textPtr(reason)
	p.CapturedAt = timePtr(captured)
	p.CanceledAt = timePtr(canceled)
	p.RefundedAt = timePtr(refunded)
	p.FailedAt = timePtr(failed)
	return p, true, nil
}

// statusStampColumn maps a target payment status to its timestamp column.
func statusStampColumn(to models.PaymentStatus) string {
	switch to {
	case models.PaymentCaptured:
		return "captured_at"
	case models.PaymentCanceled:
		return "canceled_at"
	case models.PaymentRefunded:
		return "refunded_at"
	case models.PaymentFailed:
		return "failed_at"
	default:
		return "authorized_at"
	}
}

// UpdatePaymentStatus performs the compare-and-set transition and stamps the
// matching timestamp column.
func (s *Store) UpdatePaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus, failureReason *string) error {
	return updatePaymentStatus(ctx, s.pool, id, from, to, failureReason)
}

// execer lets the same write helpers run inside or outside a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updatePaymentStatus(ctx context.Context, ex execer, id string, from, to models.PaymentStatus, failureReason *string) error {
	query := fmt.Sprintf(`
		UPDATE payments SET status = $3, failure_reason = COALESCE($4, failure_reason), %s = NOW()
		WHERE id = $1 AND status = $2
	`, statusStampColumn(to))
	tag, err := ex.Exec(ctx, query, id, from, to, failureReason)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConcurrentModification
	}
	return nil
}

// RecordCapture applies the capture writes as one transaction: payment CAS,
// debit ledger entry, audit event, provider completed counter. If the CAS
// misses, nothing is written.
func (s *Store) RecordCapture(ctx context.Context, rec escrow.CaptureRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updatePaymentStatus(ctx, tx, rec.PaymentID, models.PaymentAuthorized, models.PaymentCaptured, nil); err != nil {
		return err
	}
	if err := insertLedgerEntry(ctx, tx, models.LedgerEntry{
		ID:          rec.Event.ID + "-dr",
		CustomerID:  rec.CustomerID,
		JobID:       &rec.JobID,
		PaymentID:   &rec.PaymentID,
		Type:        models.LedgerReceipt,
		AmountCents: -rec.AmountCents,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}
	if _, err := appendEvent(ctx, tx, rec.Event); err != nil {
		return err
	}
	if rec.ProviderID != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO providers (id, completed_jobs) VALUES ($1, 1)
			ON CONFLICT (id) DO UPDATE SET completed_jobs = providers.completed_jobs + 1
		`, rec.ProviderID); err != nil {
			return fmt.Errorf("bump provider counter: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit capture: %w", err)
	}
	return nil
}

// RecordRefund applies the refund writes as one transaction: payment CAS plus
// the credit ledger entry. Voids never come through here because no money
// moved.
func (s *Store) RecordRefund(ctx context.Context, rec escrow.RefundRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updatePaymentStatus(ctx, tx, rec.PaymentID, models.PaymentCaptured, models.PaymentRefunded, nil); err != nil {
		return err
	}
	if err := insertLedgerEntry(ctx, tx, models.LedgerEntry{
		ID:          rec.Event.ID + "-cr",
		CustomerID:  rec.CustomerID,
		JobID:       &rec.JobID,
		PaymentID:   &rec.PaymentID,
		Type:        models.LedgerRefund,
		AmountCents: rec.AmountCents,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}
	if _, err := appendEvent(ctx, tx, rec.Event); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit refund: %w", err)
	}
	return nil
}

// RecordPaymentSync applies a processor-reported transition as one
// transaction: the payment CAS and the audit event land together or not at
// all. A duplicate idempotency key rolls back the CAS and reports false.
func (s *Store) RecordPaymentSync(ctx context.Context, rec escrow.SyncRecord) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updatePaymentStatus(ctx, tx, rec.PaymentID, rec.From, rec.To, rec.FailureReason); err != nil {
		return false, err
	}
	applied, err := appendEvent(ctx, tx, rec.Event)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit payment sync: %w", err)
	}
	return true, nil
}

func (s *Store) CreateAssignment(ctx context.Context, a models.Assignment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assignments (id, job_id, provider_id, check_in_at, check_out_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.JobID, a.ProviderID, a.CheckInAt, a.CheckOutAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (s *Store) AssignmentForJob(ctx context.Context, jobID string) (models.Assignment, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, provider_id, check_in_at, check_out_at, created_at FROM assignments WHERE job_id = $1
	`, jobID)
	var a models.Assignment
	var checkIn, checkOut pgtype.Timestamptz
	err := row.Scan(&a.ID, &a.JobID, &a.ProviderID, &checkIn, &checkOut, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Assignment{}, false, nil
	}
	if err != nil {
		return models.Assignment{}, false, fmt.Errorf("scan assignment: %w", err)
	}
	a.CheckInAt = timePtr(checkIn)
	a.CheckOutAt = timePtr(checkOut)
	return a, true, nil
}

func (s *Store) SetCheckIn(ctx context.Context, jobID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE assignments SET check_in_at = $2 WHERE job_id = $1 AND check_in_at IS NULL`, jobID, at)
	return err
}

func (s *Store) SetCheckOut(ctx context.Context, jobID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE assignments SET check_out_at = $2 WHERE job_id = $1 AND check_out_at IS NULL`, jobID, at)
	return err
}

// AddProofMedia persists a media artifact row.
func (s *Store) AddProofMedia(ctx context.Context, m models.ProofMedia) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proof_media (id, job_id, uploader_id, purpose, object_url, thumbnail_url, content_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.JobID, m.UploaderID, m.Purpose, m.ObjectURL, m.ThumbnailURL, m.ContentType, m.SizeBytes, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert proof media: %w", err)
	}
	return nil
}

func (s *Store) ProofMediaCount(ctx context.Context, jobID, purpose string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM proof_media WHERE job_id = $1 AND purpose = $2
	`, jobID, purpose).Scan(&n); err != nil {
		return 0, fmt.Errorf("count proof media: %w", err)
	}
	return n, nil
}

// AppendEvent inserts an audit event, honoring the idem_key uniqueness. It
// returns false without writing when the key has already been recorded.
func (s *Store) AppendEvent(ctx context.Context, ev models.JobEvent) (bool, error) {
	return appendEvent(ctx, s.pool, ev)
}

func appendEvent(ctx context.Context, ex execer, ev models.JobEvent) (bool, error) {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return false, fmt.Errorf("marshal event detail: %w", err)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	tag, err := ex.Exec(ctx, `
		INSERT INTO job_events (id, job_id, type, actor, idem_key, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idem_key) DO NOTHING
	`, ev.ID, ev.JobID, ev.Type, ev.Actor, ev.IdemKey, detail, ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert job event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) EventByKey(ctx context.Context, idemKey string) (models.JobEvent, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, type, actor, idem_key, detail, created_at FROM job_events WHERE idem_key = $1
	`, idemKey)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobEvent{}, false, nil
	}
	if err != nil {
		return models.JobEvent{}, false, err
	}
	return ev, true, nil
}

func (s *Store) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, type, actor, idem_key, detail, created_at FROM job_events
		WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []models.JobEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (models.JobEvent, error) {
	var ev models.JobEvent
	var detail []byte
	if err := row.Scan(&ev.ID, &ev.JobID, &ev.Type, &ev.Actor, &ev.IdemKey, &detail, &ev.CreatedAt); err != nil {
		return models.JobEvent{}, err
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &ev.Detail); err != nil {
			return models.JobEvent{}, fmt.Errorf("unmarshal event detail: %w", err)
		}
	}
	return ev, nil
}

func (s *Store) InsertLedgerEntry(ctx context.Context, e models.LedgerEntry) error {
	return insertLedgerEntry(ctx, s.pool, e)
}

func insertLedgerEntry(ctx context.Context, ex execer, e models.LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := ex.Exec(ctx, `
		INSERT INTO ledger_entries (id, customer_id, job_id, payment_id, type, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.CustomerID, e.JobID, e.PaymentID, e.Type, e.AmountCents, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// CustomerBalance folds the customer's ledger entries.
func (s *Store) CustomerBalance(ctx context.Context, customerID string) (int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM ledger_entries WHERE customer_id = $1
	`, customerID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return total, nil
}

func (s *Store) IncrementProviderCompleted(ctx context.Context, providerID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO providers (id, completed_jobs) VALUES ($1, 1)
		ON CONFLICT (id) DO UPDATE SET completed_jobs = providers.completed_jobs + 1
	`, providerID)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
