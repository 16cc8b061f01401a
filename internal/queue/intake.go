package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/booking-dispatch/internal/domain"
	"github.com/bissquit/booking-dispatch/internal/pkg/ctxlog"
)

// BookingEvent is a booking lifecycle change reported by the booking service.
type BookingEvent string

// Booking events.
const (
	BookingEventCreated     BookingEvent = "created"
	BookingEventCancelled   BookingEvent = "cancelled"
	BookingEventRescheduled BookingEvent = "rescheduled"
)

// ErrMissingPreviousTimes is returned for a reschedule without the times the
// booking had before.
var ErrMissingPreviousTimes = errors.New("rescheduled event requires the previous start and end times")

// IntakeSource reads the booking-side state an intake needs.
type IntakeSource interface {
	BookingReader
	GetInvitation(ctx context.Context, id string) (*domain.SlotInvitation, error)
	ListSeriesBookings(ctx context.Context, seriesID string) ([]*domain.Booking, error)
}

// BookingEventRequest describes one booking change.
type BookingEventRequest struct {
	Event        BookingEvent
	OldStartTime *time.Time
	OldEndTime   *time.Time
	// Tasks are extra calendar or video tasks to enqueue with the event.
	Tasks []NotificationType
}

// Intake turns booking lifecycle events into producer calls, reading the
// current booking state first.
type Intake struct {
	source   IntakeSource
	producer *Producer
	now      func() time.Time
}

// NewIntake creates a new intake.
func NewIntake(source IntakeSource, producer *Producer) *Intake {
	return &Intake{
		source:   source,
		producer: producer,
		now:      time.Now,
	}
}

// HandleBookingEvent enqueues everything a booking change needs and returns
// the new record ids.
//
// A cancellation also enqueues the refund of a paid booking and the teardown
// of its calendar event and video meeting. A repeated cancellation adds
// nothing that is already queued. A reschedule also re-syncs the calendar
// event.
func (in *Intake) HandleBookingEvent(ctx context.Context, bookingID string, req BookingEventRequest) ([]string, error) {
	for _, t := range req.Tasks {
		if !t.IsTask() {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
		}
	}

	booking, err := in.source.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	eventType, err := in.source.GetEventType(ctx, booking.EventTypeID)
	if err != nil {
		return nil, err
	}

	var (
		ids     []string
		trigger Trigger
		tasks   = req.Tasks
	)

	switch req.Event {
	case BookingEventCreated:
		trigger = TriggerBookingCreated
		ids, err = in.producer.EnqueueBookingNotifications(ctx, booking, eventType, trigger)

	case BookingEventCancelled:
		trigger = TriggerBookingCancelled
		ids, err = in.producer.EnqueueBookingNotifications(ctx, booking, eventType, trigger)
		if err == nil && booking.Payment != nil && booking.RefundedAt == nil {
			var id string
			id, err = in.producer.EnqueueRefund(ctx, booking)
			switch {
			case err == nil:
				ids = append(ids, id)
			case errors.Is(err, ErrAlreadyEnqueued):
				err = nil
			}
		}
		if booking.CalendarEventID != "" {
			tasks = append(tasks, TypeCalendarDeletion)
		}
		if booking.VideoMeetingID != "" {
			tasks = append(tasks, TypeVideoLinkDeletion)
		}

	case BookingEventRescheduled:
		if req.OldStartTime == nil || req.OldEndTime == nil {
			return nil, ErrMissingPreviousTimes
		}
		trigger = TriggerBookingRescheduled
		ids, err = in.producer.EnqueueReschedule(ctx, booking, eventType, *req.OldStartTime, *req.OldEndTime)
		if booking.CalendarEventID != "" {
			tasks = append(tasks, TypeCalendarSync)
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTrigger, req.Event)
	}
	if err != nil {
		return ids, err
	}

	for _, t := range dedupeTypes(tasks) {
		id, err := in.producer.EnqueueTask(ctx, booking, t, trigger)
		if errors.Is(err, ErrAlreadyEnqueued) {
			continue
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}

	ctxlog.FromContext(ctx).Info("booking event enqueued",
		"booking_id", booking.ID,
		"event", req.Event,
		"records", len(ids),
	)

	return ids, nil
}

// HandleSeriesCreated enqueues the confirmations, reminders and follow-ups of
// every occurrence of a recurring series. Calling it again only adds what is
// missing.
func (in *Intake) HandleSeriesCreated(ctx context.Context, seriesID string) ([]string, error) {
	occurrences, err := in.source.ListSeriesBookings(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if len(occurrences) == 0 {
		return nil, fmt.Errorf("%w: series %s", domain.ErrBookingNotFound, seriesID)
	}

	first := occurrences[0]
	eventType, err := in.source.GetEventType(ctx, first.EventTypeID)
	if err != nil {
		return nil, err
	}

	series := &domain.RecurringSeries{
		ID:          seriesID,
		TenantID:    first.TenantID,
		EventTypeID: first.EventTypeID,
		UserID:      first.UserID,
	}
	return in.producer.EnqueueSeriesNotifications(ctx, series, occurrences, eventType, TriggerBookingCreated)
}

// SendInvitation enqueues the email of an open slot invitation.
func (in *Intake) SendInvitation(ctx context.Context, invitationID string) (string, error) {
	invitation, err := in.source.GetInvitation(ctx, invitationID)
	if err != nil {
		return "", err
	}
	if !invitation.IsOpen(in.now()) {
		return "", fmt.Errorf("%w: %s", ErrInvitationClosed, invitation.ID)
	}
	return in.producer.EnqueueSlotInvitation(ctx, invitation)
}

func dedupeTypes(types []NotificationType) []NotificationType {
	seen := make(map[NotificationType]bool, len(types))
	out := types[:0:0]
	for _, t := range types {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
