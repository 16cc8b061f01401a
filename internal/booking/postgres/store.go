// Package postgres provides the booking-side lookups the queue executors
// need, plus the few booking columns the queue owns.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/booking-dispatch/internal/domain"
)

const bookingColumns = `
	id, tenant_id, event_type_id, user_id, series_id, title,
	attendee_name, attendee_email, attendee_phone, timezone,
	start_time, end_time, status,
	payment_provider_id, payment_amount, payment_currency,
	refunded_at, refund_id, calendar_event_id, video_meeting_id, video_url,
	created_at, updated_at`

// Store reads bookings, event types and slot invitations.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new booking store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// GetBooking returns a booking by id.
func (s *Store) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	b, err := scanBooking(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var (
		b               domain.Booking
		paymentID       *string
		paymentAmount   *int64
		paymentCurrency *string
	)
	err := row.Scan(
		&b.ID, &b.TenantID, &b.EventTypeID, &b.UserID, &b.SeriesID, &b.Title,
		&b.AttendeeName, &b.AttendeeEmail, &b.AttendeePhone, &b.Timezone,
		&b.StartTime, &b.EndTime, &b.Status,
		&paymentID, &paymentAmount, &paymentCurrency,
		&b.RefundedAt, &b.RefundID, &b.CalendarEventID, &b.VideoMeetingID, &b.VideoURL,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if paymentID != nil {
		b.Payment = &domain.Payment{ProviderPaymentID: *paymentID}
		if paymentAmount != nil {
			b.Payment.Amount = *paymentAmount
		}
		if paymentCurrency != nil {
			b.Payment.Currency = *paymentCurrency
		}
	}

	return &b, nil
}

// ListSeriesBookings returns the occurrences of a recurring series ordered by
// start time.
func (s *Store) ListSeriesBookings(ctx context.Context, seriesID string) ([]*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE series_id = $1 ORDER BY start_time`

	rows, err := s.db.Query(ctx, query, seriesID)
	if err != nil {
		return nil, fmt.Errorf("list series bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate series bookings: %w", err)
	}

	return bookings, nil
}

// GetEventType returns an event type by id.
func (s *Store) GetEventType(ctx context.Context, id string) (*domain.EventType, error) {
	query := `
		SELECT id, tenant_id, user_id, title, location,
		       notify_email, notify_sms, notify_whatsapp,
		       send_confirmation, send_reminder, send_follow_up,
		       reminder_hours_before, follow_up_hours_after,
		       created_at, updated_at
		FROM event_types
		WHERE id = $1
	`

	var et domain.EventType
	n := &et.Notifications
	err := s.db.QueryRow(ctx, query, id).Scan(
		&et.ID, &et.TenantID, &et.UserID, &et.Title, &et.Location,
		&n.Email, &n.SMS, &n.WhatsApp,
		&n.SendConfirmation, &n.SendReminder, &n.SendFollowUp,
		&n.ReminderHoursBefore, &n.FollowUpHoursAfter,
		&et.CreatedAt, &et.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEventTypeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event type: %w", err)
	}

	return &et, nil
}

// GetInvitation returns a slot invitation by id.
func (s *Store) GetInvitation(ctx context.Context, id string) (*domain.SlotInvitation, error) {
	query := `
		SELECT id, tenant_id, event_type_id, user_id, email, name, token,
		       status, send_count, expires_at, created_at
		FROM slot_invitations
		WHERE id = $1
	`

	var inv domain.SlotInvitation
	err := s.db.QueryRow(ctx, query, id).Scan(
		&inv.ID, &inv.TenantID, &inv.EventTypeID, &inv.UserID, &inv.Email, &inv.Name, &inv.Token,
		&inv.Status, &inv.SendCount, &inv.ExpiresAt, &inv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invitation: %w", err)
	}

	return &inv, nil
}

// IncrementInvitationSendCount records one more send of an invitation.
func (s *Store) IncrementInvitationSendCount(ctx context.Context, id string) error {
	query := `UPDATE slot_invitations SET send_count = send_count + 1 WHERE id = $1`
	return s.expectOne(ctx, domain.ErrInvitationNotFound, "increment invitation send count", query, id)
}

// MarkRefunded stamps the refund on a booking. A booking already stamped
// keeps its first refund.
func (s *Store) MarkRefunded(ctx context.Context, bookingID, refundID string, refundedAt time.Time) error {
	query := `
		UPDATE bookings
		SET refunded_at = $2, refund_id = $3, updated_at = NOW()
		WHERE id = $1 AND refunded_at IS NULL
	`
	result, err := s.db.Exec(ctx, query, bookingID, refundedAt, refundID)
	if err != nil {
		return fmt.Errorf("mark booking refunded: %w", err)
	}
	if result.RowsAffected() == 0 {
		return s.bookingExists(ctx, bookingID)
	}
	return nil
}

// SetCalendarEventID stores (or clears, with an empty id) the calendar event
// id of a booking.
func (s *Store) SetCalendarEventID(ctx context.Context, bookingID, eventID string) error {
	query := `UPDATE bookings SET calendar_event_id = $2, updated_at = NOW() WHERE id = $1`
	return s.expectOne(ctx, domain.ErrBookingNotFound, "set calendar event id", query, bookingID, eventID)
}

// SetVideoMeeting stores (or clears) the video meeting of a booking.
func (s *Store) SetVideoMeeting(ctx context.Context, bookingID, meetingID, joinURL string) error {
	query := `UPDATE bookings SET video_meeting_id = $2, video_url = $3, updated_at = NOW() WHERE id = $1`
	return s.expectOne(ctx, domain.ErrBookingNotFound, "set video meeting", query, bookingID, meetingID, joinURL)
}

func (s *Store) expectOne(ctx context.Context, notFound error, op, query string, args ...any) error {
	result, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return notFound
	}
	return nil
}

func (s *Store) bookingExists(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check booking: %w", err)
	}
	if !exists {
		return domain.ErrBookingNotFound
	}
	return nil
}
