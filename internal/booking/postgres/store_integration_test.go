//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/booking-dispatch/internal/domain"
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

var start = time.Date(2026, 3, 12, 15, 0, 0, 0, time.UTC)

func seed(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, testutil.Truncate(ctx, testPool, "slot_invitations", "bookings", "event_types"))

	_, err := testPool.Exec(ctx, `
		INSERT INTO event_types (id, tenant_id, title, location, notify_sms, reminder_hours_before)
		VALUES ('et-1', 'tenant-1', 'Intro Call', 'Room 4', TRUE, 12)
	`)
	require.NoError(t, err)

	_, err = testPool.Exec(ctx, `
		INSERT INTO bookings (id, tenant_id, event_type_id, attendee_name, attendee_email, attendee_phone,
		                      timezone, start_time, end_time, payment_provider_id, payment_amount, payment_currency)
		VALUES ('booking-1', 'tenant-1', 'et-1', 'Ada', 'ada@example.com', '+14155550100',
		        'Europe/Berlin', $1, $2, 'pay_123', 4500, 'EUR'),
		       ('booking-2', 'tenant-1', 'et-1', 'Grace', 'grace@example.com', '',
		        'UTC', $1, $2, NULL, NULL, NULL)
	`, start, start.Add(30*time.Minute))
	require.NoError(t, err)

	_, err = testPool.Exec(ctx, `
		INSERT INTO slot_invitations (id, tenant_id, event_type_id, email, name, token, expires_at)
		VALUES ('inv-1', 'tenant-1', 'et-1', 'ada@example.com', 'Ada', 'tok-1', $1)
	`, start.Add(48*time.Hour))
	require.NoError(t, err)

	return NewStore(testPool)
}

func TestStore_GetBooking(t *testing.T) {
	ctx := context.Background()
	store := seed(t)

	b, err := store.GetBooking(ctx, "booking-1")
	require.NoError(t, err)
	assert.Equal(t, "et-1", b.EventTypeID)
	assert.Equal(t, domain.BookingStatusAccepted, b.Status)
	assert.Equal(t, "Europe/Berlin", b.Timezone)
	assert.True(t, start.Equal(b.StartTime))
	require.NotNil(t, b.Payment)
	assert.Equal(t, domain.Payment{ProviderPaymentID: "pay_123", Amount: 4500, Currency: "EUR"}, *b.Payment)
	assert.Nil(t, b.RefundedAt)

	b, err = store.GetBooking(ctx, "booking-2")
	require.NoError(t, err)
	assert.Nil(t, b.Payment)

	_, err = store.GetBooking(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrBookingNotFound)
}

func TestStore_GetEventType(t *testing.T) {
	ctx := context.Background()
	store := seed(t)

	et, err := store.GetEventType(ctx, "et-1")
	require.NoError(t, err)
	assert.Equal(t, "Intro Call", et.Title)
	assert.True(t, et.Notifications.Email)
	assert.True(t, et.Notifications.SMS)
	assert.False(t, et.Notifications.WhatsApp)
	assert.Equal(t, 12, et.Notifications.ReminderHoursBefore)

	_, err = store.GetEventType(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrEventTypeNotFound)
}

func TestStore_MarkRefundedKeepsFirstRefund(t *testing.T) {
	ctx := context.Background()
	store := seed(t)

	require.NoError(t, store.MarkRefunded(ctx, "booking-1", "re_1", start))
	require.NoError(t, store.MarkRefunded(ctx, "booking-1", "re_2", start.Add(time.Hour)))

	b, err := store.GetBooking(ctx, "booking-1")
	require.NoError(t, err)
	require.NotNil(t, b.RefundedAt)
	assert.True(t, start.Equal(*b.RefundedAt))
	assert.Equal(t, "re_1", b.RefundID)

	assert.ErrorIs(t, store.MarkRefunded(ctx, "missing", "re_3", start), domain.ErrBookingNotFound)
}

func TestStore_ProviderIDs(t *testing.T) {
	ctx := context.Background()
	store := seed(t)

	require.NoError(t, store.SetCalendarEventID(ctx, "booking-1", "evt_1"))
	require.NoError(t, store.SetVideoMeeting(ctx, "booking-1", "mtg_1", "https://video.example.com/j/mtg_1"))

	b, err := store.GetBooking(ctx, "booking-1")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", b.CalendarEventID)
	assert.Equal(t, "mtg_1", b.VideoMeetingID)
	assert.Equal(t, "https://video.example.com/j/mtg_1", b.VideoURL)

	require.NoError(t, store.SetCalendarEventID(ctx, "booking-1", ""))
	b, err = store.GetBooking(ctx, "booking-1")
	require.NoError(t, err)
	assert.Empty(t, b.CalendarEventID)

	assert.ErrorIs(t, store.SetVideoMeeting(ctx, "missing", "", ""), domain.ErrBookingNotFound)
}

func TestStore_Invitations(t *testing.T) {
	ctx := context.Background()
	store := seed(t)

	require.NoError(t, store.IncrementInvitationSendCount(ctx, "inv-1"))
	require.NoError(t, store.IncrementInvitationSendCount(ctx, "inv-1"))

	inv, err := store.GetInvitation(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, inv.SendCount)
	assert.Equal(t, domain.InvitationStatusOpen, inv.Status)
	assert.True(t, inv.IsOpen(start))

	_, err = store.GetInvitation(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrInvitationNotFound)
	assert.ErrorIs(t, store.IncrementInvitationSendCount(ctx, "missing"), domain.ErrInvitationNotFound)
}

func TestStore_ListSeriesBookings(t *testing.T) {
	ctx := context.Background()
	store := seed(t)

	_, err := testPool.Exec(ctx, `
		INSERT INTO bookings (id, tenant_id, event_type_id, series_id, start_time, end_time)
		VALUES ('occ-2', 'tenant-1', 'et-1', 'series-1', $2, $3),
		       ('occ-1', 'tenant-1', 'et-1', 'series-1', $1, $4)
	`, start, start.Add(7*24*time.Hour), start.Add(7*24*time.Hour+30*time.Minute), start.Add(30*time.Minute))
	require.NoError(t, err)

	bookings, err := store.ListSeriesBookings(ctx, "series-1")
	require.NoError(t, err)
	require.Len(t, bookings, 2)
	assert.Equal(t, "occ-1", bookings[0].ID)
	assert.Equal(t, "occ-2", bookings[1].ID)
	require.NotNil(t, bookings[0].SeriesID)
	assert.Equal(t, "series-1", *bookings[0].SeriesID)

	bookings, err = store.ListSeriesBookings(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, bookings)
}
