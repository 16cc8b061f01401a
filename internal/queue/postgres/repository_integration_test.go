//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/booking-dispatch/internal/queue"
	"github.com/bissquit/booking-dispatch/internal/testutil"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	if err := container.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	testPool, err = container.Pool(ctx)
	if err != nil {
		log.Fatalf("open pool: %v", err)
	}

	code := m.Run()

	testPool.Close()
	if err := container.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

func newRepo(t *testing.T) *Repository {
	t.Helper()
	require.NoError(t, testutil.Truncate(context.Background(), testPool, "queue_pending", "queue_history"))
	return NewRepository(testPool)
}

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newRecord(bookingID string, typ queue.NotificationType, trigger queue.Trigger, executeAt time.Time) *queue.Record {
	return &queue.Record{
		ID:          uuid.NewString(),
		TenantID:    "tenant-1",
		BookingID:   &bookingID,
		Type:        typ,
		Trigger:     trigger,
		Recipient:   "ada@example.com",
		ScheduledAt: baseTime,
		ExecuteAt:   executeAt,
		MaxRetries:  3,
		Status:      queue.StatusPending,
		Version:     1,
		CreatedAt:   baseTime,
	}
}

func TestRepository_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	record := newRecord("booking-1", queue.TypeEmail, queue.TriggerBookingRescheduled, baseTime)
	record.Payload = []byte(`{"old_start_time":"2026-03-11T10:00:00Z"}`)
	require.NoError(t, repo.Insert(ctx, record))

	got, err := repo.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, "booking-1", got.BookingIDValue())
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 1, got.Version)
	assert.JSONEq(t, string(record.Payload), string(got.Payload))
	assert.True(t, record.ExecuteAt.Equal(got.ExecuteAt))

	_, err = repo.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, queue.ErrRecordNotFound)
}

func TestRepository_ClaimDueOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	late := newRecord("b-1", queue.TypeEmail, queue.TriggerBookingCreated, baseTime.Add(-time.Minute))
	early := newRecord("b-2", queue.TypeEmail, queue.TriggerBookingCreated, baseTime.Add(-time.Hour))
	future := newRecord("b-3", queue.TypeEmail, queue.TriggerBookingCreated, baseTime.Add(time.Hour))
	require.NoError(t, repo.InsertBatch(ctx, []*queue.Record{late, early, future}))

	claimed, err := repo.ClaimDue(ctx, baseTime, 1, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, early.ID, claimed[0].ID)
	assert.Equal(t, queue.StatusProcessing, claimed[0].Status)
	assert.Equal(t, 2, claimed[0].Version)
	require.NotNil(t, claimed[0].ProcessingStartedAt)

	claimed, err = repo.ClaimDue(ctx, baseTime, 10, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, late.ID, claimed[0].ID)
}

func TestRepository_ConcurrentClaimsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	records := make([]*queue.Record, 0, 40)
	for i := 0; i < 40; i++ {
		records = append(records, newRecord("b-1", queue.TypeEmail, queue.TriggerBookingCreated, baseTime.Add(-time.Duration(i)*time.Second)))
	}
	require.NoError(t, repo.InsertBatch(ctx, records))

	var (
		mu     sync.Mutex
		seen   = make(map[string]int)
		wg     sync.WaitGroup
		errs   []error
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := repo.ClaimDue(ctx, baseTime, 5, 5*time.Minute)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				}
				for _, r := range claimed {
					seen[r.ID]++
				}
				mu.Unlock()
				if err != nil || len(claimed) == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %s claimed %d times", id, n)
	}
}

func TestRepository_StalledRecordIsReclaimed(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	record := newRecord("b-1", queue.TypeSMS, queue.TriggerBookingReminder, baseTime)
	require.NoError(t, repo.Insert(ctx, record))

	claimed, err := repo.ClaimDue(ctx, baseTime, 10, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	first := claimed[0]

	claimed, err = repo.ClaimDue(ctx, baseTime.Add(time.Minute), 10, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = repo.ClaimDue(ctx, baseTime.Add(6*time.Minute), 10, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	second := claimed[0]
	assert.Equal(t, first.Version+1, second.Version)

	// The first worker's outcome is stale now.
	err = repo.MoveToHistory(ctx, queue.Archive(first, queue.StatusSent, baseTime.Add(7*time.Minute)), first.Version)
	assert.ErrorIs(t, err, queue.ErrVersionConflict)

	require.NoError(t, repo.MoveToHistory(ctx, queue.Archive(second, queue.StatusSent, baseTime.Add(7*time.Minute)), second.Version))

	h, err := repo.GetHistory(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSent, h.FinalStatus)
	assert.Equal(t, int64(60_000), h.ProcessingTimeMs)

	_, err = repo.Get(ctx, record.ID)
	assert.ErrorIs(t, err, queue.ErrRecordNotFound)
}

func TestRepository_RenewedClaimIsNotStalled(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	record := newRecord("b-1", queue.TypeEmail, queue.TriggerBookingCreated, baseTime)
	require.NoError(t, repo.Insert(ctx, record))

	claimed, err := repo.ClaimDue(ctx, baseTime, 10, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	r := claimed[0]

	renewedAt := baseTime.Add(4 * time.Minute)
	r.ProcessingStartedAt = &renewedAt
	require.NoError(t, repo.Update(ctx, r, r.Version))

	// stalled by the original claim, not by the renewed one
	claimed, err = repo.ClaimDue(ctx, baseTime.Add(6*time.Minute), 10, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	got, err := repo.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusProcessing, got.Status)
	require.NotNil(t, got.ProcessingStartedAt)
	assert.True(t, renewedAt.Equal(*got.ProcessingStartedAt))

	claimed, err = repo.ClaimDue(ctx, baseTime.Add(10*time.Minute), 10, 5*time.Minute)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestRepository_UpdateRequeue(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	record := newRecord("b-1", queue.TypeEmail, queue.TriggerBookingCreated, baseTime)
	require.NoError(t, repo.Insert(ctx, record))

	claimed, err := repo.ClaimDue(ctx, baseTime, 1, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	r := claimed[0]

	next := baseTime.Add(30 * time.Second)
	r.Status = queue.StatusPending
	r.RetryCount = 1
	r.ExecuteAt = next
	r.NextRetryAt = &next
	r.ProcessingStartedAt = nil
	r.ErrorMessage = "smtp 451"
	require.NoError(t, repo.Update(ctx, r, r.Version))

	got, err := repo.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "smtp 451", got.ErrorMessage)
	assert.Equal(t, r.Version+1, got.Version)

	assert.ErrorIs(t, repo.Update(ctx, r, r.Version), queue.ErrVersionConflict)

	missing := newRecord("b-2", queue.TypeEmail, queue.TriggerBookingCreated, baseTime)
	assert.ErrorIs(t, repo.Update(ctx, missing, 1), queue.ErrRecordNotFound)
}

func TestRepository_Cancel(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	pending := newRecord("b-1", queue.TypeEmail, queue.TriggerBookingReminder, baseTime.Add(time.Hour))
	processing := newRecord("b-1", queue.TypeSMS, queue.TriggerBookingReminder, baseTime)
	require.NoError(t, repo.InsertBatch(ctx, []*queue.Record{pending, processing}))

	_, err := repo.ClaimDue(ctx, baseTime, 10, 5*time.Minute)
	require.NoError(t, err)

	archived, err := repo.Cancel(ctx, pending.ID, baseTime)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, archived.FinalStatus)

	_, err = repo.Cancel(ctx, processing.ID, baseTime)
	assert.ErrorIs(t, err, queue.ErrNotCancellable)

	_, err = repo.Cancel(ctx, pending.ID, baseTime)
	assert.ErrorIs(t, err, queue.ErrRecordNotFound)

	// Cancelled records are never claimed.
	claimed, err := repo.ClaimDue(ctx, baseTime.Add(2*time.Hour), 10, 5*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestRepository_CancelForBooking(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	reminder := newRecord("b-1", queue.TypeEmail, queue.TriggerBookingReminder, baseTime.Add(time.Hour))
	followUp := newRecord("b-1", queue.TypeEmail, queue.TriggerBookingFollowUp, baseTime.Add(2*time.Hour))
	confirmation := newRecord("b-1", queue.TypeEmail, queue.TriggerBookingCreated, baseTime.Add(time.Hour))
	other := newRecord("b-2", queue.TypeEmail, queue.TriggerBookingReminder, baseTime.Add(time.Hour))
	require.NoError(t, repo.InsertBatch(ctx, []*queue.Record{reminder, followUp, confirmation, other}))

	n, err := repo.CancelForBooking(ctx, "b-1", []queue.Trigger{queue.TriggerBookingReminder, queue.TriggerBookingFollowUp}, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = repo.Get(ctx, confirmation.ID)
	require.NoError(t, err)

	n, err = repo.CancelForBooking(ctx, "b-1", nil, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Get(ctx, other.ID)
	require.NoError(t, err)

	history, err := repo.ListHistory(ctx, queue.HistoryFilter{BookingID: "b-1", FinalStatus: queue.StatusCancelled, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestRepository_ExistsAndStats(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	sent := newRecord("b-1", queue.TypeEmail, queue.TriggerBookingCreated, baseTime)
	cancelled := newRecord("b-1", queue.TypeSMS, queue.TriggerBookingCreated, baseTime.Add(time.Hour))
	pending := newRecord("b-1", queue.TypeEmail, queue.TriggerBookingReminder, baseTime.Add(time.Hour))
	require.NoError(t, repo.InsertBatch(ctx, []*queue.Record{sent, cancelled, pending}))

	claimed, err := repo.ClaimDue(ctx, baseTime, 10, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, repo.MoveToHistory(ctx, queue.Archive(claimed[0], queue.StatusSent, baseTime), claimed[0].Version))
	_, err = repo.Cancel(ctx, cancelled.ID, baseTime)
	require.NoError(t, err)

	tests := []struct {
		typ     queue.NotificationType
		trigger queue.Trigger
		want    bool
	}{
		{queue.TypeEmail, queue.TriggerBookingCreated, true},
		{queue.TypeEmail, queue.TriggerBookingReminder, true},
		{queue.TypeSMS, queue.TriggerBookingCreated, false},
		{queue.TypeWhatsApp, queue.TriggerBookingCreated, false},
	}
	for _, tt := range tests {
		exists, err := repo.Exists(ctx, "b-1", tt.typ, tt.trigger)
		require.NoError(t, err)
		assert.Equal(t, tt.want, exists, "%s/%s", tt.typ, tt.trigger)
	}

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &queue.Stats{Pending: 1, Sent: 1, Cancelled: 1}, stats)
}
