// Package tasks implements the calendar and video executors that run
// alongside booking notifications.
package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/booking-dispatch/internal/domain"
	"github.com/bissquit/booking-dispatch/internal/integrations"
	"github.com/bissquit/booking-dispatch/internal/queue"
)

// BookingStore reads bookings and stores the provider ids owned by tasks.
type BookingStore interface {
	GetBooking(ctx context.Context, id string) (*domain.Booking, error)
	GetEventType(ctx context.Context, id string) (*domain.EventType, error)
	SetCalendarEventID(ctx context.Context, bookingID, eventID string) error
	SetVideoMeeting(ctx context.Context, bookingID, meetingID, joinURL string) error
}

// CalendarProvider manages calendar events.
type CalendarProvider interface {
	CreateEvent(ctx context.Context, event integrations.CalendarEvent) (string, error)
	UpdateEvent(ctx context.Context, id string, event integrations.CalendarEvent) error
	DeleteEvent(ctx context.Context, id string) error
}

// VideoProvider manages video meetings.
type VideoProvider interface {
	CreateMeeting(ctx context.Context, req integrations.MeetingRequest) (*integrations.Meeting, error)
	DeleteMeeting(ctx context.Context, id string) error
}

// Register adds all task executors to the registry.
func Register(registry *queue.Registry, bookings BookingStore, calendar CalendarProvider, video VideoProvider) {
	registry.Register(queue.TypeCalendarSync, &CalendarSync{bookings: bookings, calendar: calendar})
	registry.Register(queue.TypeCalendarDeletion, &CalendarDeletion{bookings: bookings, calendar: calendar})
	registry.Register(queue.TypeVideoLinkCreation, &VideoLinkCreation{bookings: bookings, video: video})
	registry.Register(queue.TypeVideoLinkDeletion, &VideoLinkDeletion{bookings: bookings, video: video})
}

// loadBooking fetches the booking behind a record. Lookup failures of the
// store itself stay retryable.
func loadBooking(ctx context.Context, bookings BookingStore, record *queue.Record) (*domain.Booking, error) {
	if record.BookingID == nil {
		return nil, queue.NewNonRetryableError(queue.ErrMissingBooking)
	}

	booking, err := bookings.GetBooking(ctx, *record.BookingID)
	if err != nil {
		if errors.Is(err, domain.ErrBookingNotFound) {
			return nil, queue.NewNonRetryableError(err)
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return booking, nil
}

// loadForDeletion is loadBooking for teardown tasks: a booking that no
// longer exists has nothing left to delete.
func loadForDeletion(ctx context.Context, bookings BookingStore, record *queue.Record) (*domain.Booking, error) {
	booking, err := loadBooking(ctx, bookings, record)
	if errors.Is(err, domain.ErrBookingNotFound) {
		return nil, nil
	}
	return booking, err
}

func requireActive(booking *domain.Booking) error {
	if booking.IsCancelled() {
		return queue.NewNonRetryableError(fmt.Errorf("%w: %s", queue.ErrBookingCancelled, booking.ID))
	}
	return nil
}
