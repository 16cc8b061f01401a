package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/booking-dispatch/internal/domain"
	"github.com/bissquit/booking-dispatch/internal/integrations"
	"github.com/bissquit/booking-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/booking-dispatch/internal/queue"
)

// CalendarSync creates or updates the calendar event of a booking from its
// current state.
type CalendarSync struct {
	bookings BookingStore
	calendar CalendarProvider
}

// Execute creates the event, or updates it when the booking already has one.
// An event deleted on the provider side is recreated.
func (e *CalendarSync) Execute(ctx context.Context, record *queue.Record) (queue.Result, error) {
	booking, err := loadBooking(ctx, e.bookings, record)
	if err != nil {
		return queue.Result{}, err
	}
	if err := requireActive(booking); err != nil {
		return queue.Result{}, err
	}

	event, err := e.buildEvent(ctx, booking)
	if err != nil {
		return queue.Result{}, err
	}

	logger := ctxlog.FromContext(ctx).With("booking_id", booking.ID)

	if booking.CalendarEventID != "" {
		err := e.calendar.UpdateEvent(ctx, booking.CalendarEventID, event)
		if err == nil {
			logger.Debug("calendar event updated", "event_id", booking.CalendarEventID)
			return queue.Result{ExternalMessageID: booking.CalendarEventID}, nil
		}
		if !errors.Is(err, integrations.ErrNotFound) {
			return queue.Result{}, err
		}
		logger.Warn("calendar event missing on provider, recreating", "event_id", booking.CalendarEventID)
	}

	eventID, err := e.calendar.CreateEvent(ctx, event)
	if err != nil {
		return queue.Result{}, err
	}

	if err := e.bookings.SetCalendarEventID(ctx, booking.ID, eventID); err != nil {
		return queue.Result{}, fmt.Errorf("store calendar event id: %w", err)
	}

	logger.Info("calendar event created", "event_id", eventID)

	return queue.Result{ExternalMessageID: eventID}, nil
}

func (e *CalendarSync) buildEvent(ctx context.Context, booking *domain.Booking) (integrations.CalendarEvent, error) {
	event := integrations.CalendarEvent{
		Title:      booking.Title,
		Location:   booking.VideoURL,
		Start:      booking.StartTime,
		End:        booking.EndTime,
		Timezone:   booking.Timezone,
		ExternalID: booking.ID,
	}
	if booking.AttendeeEmail != "" {
		event.Attendees = []string{booking.AttendeeEmail}
	}

	eventType, err := e.bookings.GetEventType(ctx, booking.EventTypeID)
	switch {
	case err == nil:
		if event.Title == "" {
			event.Title = eventType.Title
		}
		if event.Location == "" {
			event.Location = eventType.Location
		}
	case !errors.Is(err, domain.ErrEventTypeNotFound):
		return event, fmt.Errorf("get event type: %w", err)
	}

	if booking.AttendeeName != "" {
		event.Description = "Booked by " + booking.AttendeeName
	}

	return event, nil
}

// CalendarDeletion removes the calendar event of a booking.
type CalendarDeletion struct {
	bookings BookingStore
	calendar CalendarProvider
}

// Execute deletes the event. A booking without an event, a deleted booking
// and an event already gone on the provider side all count as success.
func (e *CalendarDeletion) Execute(ctx context.Context, record *queue.Record) (queue.Result, error) {
	booking, err := loadForDeletion(ctx, e.bookings, record)
	if err != nil {
		return queue.Result{}, err
	}
	if booking == nil {
		return queue.Result{Details: "booking no longer exists"}, nil
	}
	if booking.CalendarEventID == "" {
		return queue.Result{Details: "no calendar event"}, nil
	}

	eventID := booking.CalendarEventID
	details := ""
	if err := e.calendar.DeleteEvent(ctx, eventID); err != nil {
		if !errors.Is(err, integrations.ErrNotFound) {
			return queue.Result{}, err
		}
		details = "calendar event already deleted"
	}

	if err := e.bookings.SetCalendarEventID(ctx, booking.ID, ""); err != nil {
		return queue.Result{}, fmt.Errorf("clear calendar event id: %w", err)
	}

	ctxlog.FromContext(ctx).Info("calendar event deleted", "booking_id", booking.ID, "event_id", eventID)

	return queue.Result{ExternalMessageID: eventID, Details: details}, nil
}

var (
	_ queue.Executor = (*CalendarSync)(nil)
	_ queue.Executor = (*CalendarDeletion)(nil)
)
