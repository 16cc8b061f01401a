package queue

import (
	"context"
	"time"
)

// Repository is the durable store of queue records. Pending and processing
// records live in the pending region; terminal records are moved to history
// and never come back.
type Repository interface {
	Insert(ctx context.Context, record *Record) error
	// InsertBatch inserts all records atomically.
	InsertBatch(ctx context.Context, records []*Record) error

	// ClaimDue atomically moves up to limit due records to processing, oldest
	// execute_at first. Records stuck in processing for longer than
	// stallTimeout are claimable again. Records lost to a concurrent claimer
	// are skipped.
	ClaimDue(ctx context.Context, now time.Time, limit int, stallTimeout time.Duration) ([]*Record, error)
	// Update writes a pending record if its version still matches.
	Update(ctx context.Context, record *Record, expectedVersion int) error
	// MoveToHistory removes the record from the pending region and appends it
	// to history, if its version still matches.
	MoveToHistory(ctx context.Context, record *HistoryRecord, expectedVersion int) error

	// Cancel archives a pending record as cancelled.
	Cancel(ctx context.Context, id string, now time.Time) (*HistoryRecord, error)
	// CancelForBooking archives every pending record of a booking as
	// cancelled. An empty trigger list matches all triggers.
	CancelForBooking(ctx context.Context, bookingID string, triggers []Trigger, now time.Time) (int, error)

	// Exists reports whether a non-cancelled record exists for the tuple in
	// either region.
	Exists(ctx context.Context, bookingID string, notificationType NotificationType, trigger Trigger) (bool, error)

	Get(ctx context.Context, id string) (*Record, error)
	GetHistory(ctx context.Context, id string) (*HistoryRecord, error)
	ListHistory(ctx context.Context, filter HistoryFilter) ([]*HistoryRecord, error)
	Stats(ctx context.Context) (*Stats, error)
}
