// Package postgres provides PostgreSQL implementation of the queue repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/booking-dispatch/internal/queue"
)

const recordColumns = `
	id, tenant_id, booking_id, event_id, user_id,
	notification_type, trigger_type, recipient, payload,
	scheduled_at, execute_at, next_retry_at,
	retry_count, max_retries, processing_started_at, sent_at,
	status, external_message_id, error_message, error_details,
	version, created_at, updated_at`

const historyColumns = recordColumns + `,
	final_status, processed_at, processing_time_ms`

// A record is due when it is pending and its execute time has come, or when
// it has been processing for longer than the stall timeout.
const dueCondition = `
	((status = 'pending' AND execute_at <= $2)
	 OR (status = 'processing' AND processing_started_at <= $3))`

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Repository implements queue.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert adds a record to the pending region.
func (r *Repository) Insert(ctx context.Context, record *queue.Record) error {
	if err := insertRecord(ctx, r.db, record); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// InsertBatch adds all records in one transaction.
func (r *Repository) InsertBatch(ctx context.Context, records []*queue.Record) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, record := range records {
		if err := insertRecord(ctx, tx, record); err != nil {
			return fmt.Errorf("insert record %s: %w", record.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func insertRecord(ctx context.Context, db execer, record *queue.Record) error {
	query := `
		INSERT INTO queue_pending (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23)
	`
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	version := record.Version
	if version < 1 {
		version = 1
	}

	_, err := db.Exec(ctx, query,
		record.ID,
		record.TenantID,
		record.BookingID,
		record.EventID,
		record.UserID,
		record.Type,
		record.Trigger,
		record.Recipient,
		payloadArg(record.Payload),
		record.ScheduledAt,
		record.ExecuteAt,
		record.NextRetryAt,
		record.RetryCount,
		record.MaxRetries,
		record.ProcessingStartedAt,
		record.SentAt,
		record.Status,
		record.ExternalMessageID,
		record.ErrorMessage,
		record.ErrorDetails,
		version,
		createdAt,
		createdAt,
	)
	return err
}

// ClaimDue claims up to limit due records, oldest execute_at first. Each
// candidate is claimed with a conditional update on its version; a candidate
// taken by another worker in between is skipped.
func (r *Repository) ClaimDue(ctx context.Context, now time.Time, limit int, stallTimeout time.Duration) ([]*queue.Record, error) {
	stalledBefore := now.Add(-stallTimeout)

	candidatesQuery := `
		SELECT id, version
		FROM queue_pending
		WHERE ` + dueCondition + `
		ORDER BY execute_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, candidatesQuery, limit, now, stalledBefore)
	if err != nil {
		return nil, fmt.Errorf("select due records: %w", err)
	}

	type candidate struct {
		id      string
		version int
	}
	candidates := make([]candidate, 0, limit)
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.version); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	claimQuery := `
		UPDATE queue_pending
		SET status = 'processing',
		    processing_started_at = $2,
		    version = version + 1,
		    updated_at = $2
		WHERE id = $1 AND version = $4 AND ` + dueCondition + `
		RETURNING ` + recordColumns

	claimed := make([]*queue.Record, 0, len(candidates))
	for _, c := range candidates {
		record, err := scanRecord(r.db.QueryRow(ctx, claimQuery, c.id, now, stalledBefore, c.version))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return claimed, fmt.Errorf("claim record %s: %w", c.id, err)
		}
		claimed = append(claimed, record)
	}

	return claimed, nil
}

// Update writes a pending record if its version still matches.
func (r *Repository) Update(ctx context.Context, record *queue.Record, expectedVersion int) error {
	query := `
		UPDATE queue_pending
		SET status = $3,
		    execute_at = $4,
		    next_retry_at = $5,
		    retry_count = $6,
		    processing_started_at = $7,
		    sent_at = $8,
		    external_message_id = $9,
		    error_message = $10,
		    error_details = $11,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2
	`
	tag, err := r.db.Exec(ctx, query,
		record.ID,
		expectedVersion,
		record.Status,
		record.ExecuteAt,
		record.NextRetryAt,
		record.RetryCount,
		record.ProcessingStartedAt,
		record.SentAt,
		record.ExternalMessageID,
		record.ErrorMessage,
		record.ErrorDetails,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, record.ID)
	}
	return nil
}

// MoveToHistory deletes the pending row and appends the history row in one
// transaction, if the version still matches.
func (r *Repository) MoveToHistory(ctx context.Context, record *queue.HistoryRecord, expectedVersion int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `DELETE FROM queue_pending WHERE id = $1 AND version = $2`, record.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete pending record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, record.ID)
	}

	if err := insertHistory(ctx, tx, record); err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Cancel archives a pending record as cancelled. Records already claimed by
// a worker are not cancellable.
func (r *Repository) Cancel(ctx context.Context, id string, now time.Time) (*queue.HistoryRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		DELETE FROM queue_pending
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + recordColumns

	record, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = r.missOrConflict(ctx, id)
			if errors.Is(err, queue.ErrVersionConflict) {
				// still in the pending region, so a worker holds it
				return nil, queue.ErrNotCancellable
			}
			return nil, err
		}
		return nil, fmt.Errorf("delete pending record: %w", err)
	}

	archived := queue.Archive(record, queue.StatusCancelled, now)
	if err := insertHistory(ctx, tx, archived); err != nil {
		return nil, fmt.Errorf("insert history record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return archived, nil
}

// CancelForBooking archives every pending record of a booking as cancelled,
// optionally only those with the given triggers.
func (r *Repository) CancelForBooking(ctx context.Context, bookingID string, triggers []queue.Trigger, now time.Time) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		DELETE FROM queue_pending
		WHERE booking_id = $1
		  AND status = 'pending'
		  AND (cardinality($2::text[]) = 0 OR trigger_type = ANY($2::text[]))
		RETURNING ` + recordColumns

	triggerNames := make([]string, 0, len(triggers))
	for _, t := range triggers {
		triggerNames = append(triggerNames, string(t))
	}

	rows, err := tx.Query(ctx, query, bookingID, triggerNames)
	if err != nil {
		return 0, fmt.Errorf("delete pending records: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return 0, err
	}

	for _, record := range records {
		if err := insertHistory(ctx, tx, queue.Archive(record, queue.StatusCancelled, now)); err != nil {
			return 0, fmt.Errorf("insert history record %s: %w", record.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return len(records), nil
}

// Exists reports whether a non-cancelled record exists for the tuple.
func (r *Repository) Exists(ctx context.Context, bookingID string, notificationType queue.NotificationType, trigger queue.Trigger) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM queue_pending
			WHERE booking_id = $1 AND notification_type = $2 AND trigger_type = $3
		) OR EXISTS (
			SELECT 1 FROM queue_history
			WHERE booking_id = $1 AND notification_type = $2 AND trigger_type = $3
			  AND final_status <> 'cancelled'
		)
	`
	var exists bool
	if err := r.db.QueryRow(ctx, query, bookingID, notificationType, trigger).Scan(&exists); err != nil {
		return false, fmt.Errorf("check record exists: %w", err)
	}
	return exists, nil
}

// Get returns a record from the pending region.
func (r *Repository) Get(ctx context.Context, id string) (*queue.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM queue_pending WHERE id = $1`
	record, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return record, nil
}

// GetHistory returns an archived record.
func (r *Repository) GetHistory(ctx context.Context, id string) (*queue.HistoryRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM queue_history WHERE id = $1`
	record, err := scanHistory(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get history record: %w", err)
	}
	return record, nil
}

// ListHistory returns archived records, newest first.
func (r *Repository) ListHistory(ctx context.Context, filter queue.HistoryFilter) ([]*queue.HistoryRecord, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.BookingID != "" {
		args = append(args, filter.BookingID)
		conditions = append(conditions, fmt.Sprintf("booking_id = $%d", len(args)))
	}
	if filter.FinalStatus != "" {
		args = append(args, filter.FinalStatus)
		conditions = append(conditions, fmt.Sprintf("final_status = $%d", len(args)))
	}

	query := `SELECT ` + historyColumns + ` FROM queue_history`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY processed_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	records := make([]*queue.HistoryRecord, 0)
	for rows.Next() {
		record, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	return records, nil
}

// Stats returns record counts per status across both regions.
func (r *Repository) Stats(ctx context.Context) (*queue.Stats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM queue_pending WHERE status = 'pending'),
			(SELECT COUNT(*) FROM queue_pending WHERE status = 'processing'),
			(SELECT COUNT(*) FROM queue_history WHERE final_status = 'sent'),
			(SELECT COUNT(*) FROM queue_history WHERE final_status = 'failed'),
			(SELECT COUNT(*) FROM queue_history WHERE final_status = 'cancelled')
	`
	var stats queue.Stats
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Sent,
		&stats.Failed,
		&stats.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

// missOrConflict tells a missing row from one whose version moved on.
func (r *Repository) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_pending WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check record exists: %w", err)
	}
	if exists {
		return queue.ErrVersionConflict
	}
	return queue.ErrRecordNotFound
}

func insertHistory(ctx context.Context, db execer, record *queue.HistoryRecord) error {
	query := `
		INSERT INTO queue_history (` + historyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`
	_, err := db.Exec(ctx, query,
		record.ID,
		record.TenantID,
		record.BookingID,
		record.EventID,
		record.UserID,
		record.Type,
		record.Trigger,
		record.Recipient,
		payloadArg(record.Payload),
		record.ScheduledAt,
		record.ExecuteAt,
		record.NextRetryAt,
		record.RetryCount,
		record.MaxRetries,
		record.ProcessingStartedAt,
		record.SentAt,
		record.FinalStatus,
		record.ExternalMessageID,
		record.ErrorMessage,
		record.ErrorDetails,
		record.Version,
		record.CreatedAt,
		record.ProcessedAt,
		record.FinalStatus,
		record.ProcessedAt,
		record.ProcessingTimeMs,
	)
	return err
}

func collectRecords(rows pgx.Rows) ([]*queue.Record, error) {
	defer rows.Close()

	records := make([]*queue.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (*queue.Record, error) {
	var (
		record  queue.Record
		payload []byte
	)
	err := row.Scan(recordDest(&record, &payload)...)
	if err != nil {
		return nil, err
	}
	record.Payload = payload
	return &record, nil
}

func scanHistory(row pgx.Row) (*queue.HistoryRecord, error) {
	var (
		record  queue.HistoryRecord
		payload []byte
	)
	dest := append(recordDest(&record.Record, &payload),
		&record.FinalStatus,
		&record.ProcessedAt,
		&record.ProcessingTimeMs,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	record.Payload = payload
	return &record, nil
}

func recordDest(record *queue.Record, payload *[]byte) []any {
	return []any{
		&record.ID,
		&record.TenantID,
		&record.BookingID,
		&record.EventID,
		&record.UserID,
		&record.Type,
		&record.Trigger,
		&record.Recipient,
		payload,
		&record.ScheduledAt,
		&record.ExecuteAt,
		&record.NextRetryAt,
		&record.RetryCount,
		&record.MaxRetries,
		&record.ProcessingStartedAt,
		&record.SentAt,
		&record.Status,
		&record.ExternalMessageID,
		&record.ErrorMessage,
		&record.ErrorDetails,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
	}
}

func payloadArg(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

var _ queue.Repository = (*Repository)(nil)
