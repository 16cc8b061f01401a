package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/booking-dispatch/internal/domain"
	"github.com/bissquit/booking-dispatch/internal/pkg/ctxlog"
)

// ChannelExecutor renders booking messages from current booking state and
// hands them to a channel sender.
type ChannelExecutor struct {
	sender   Sender
	format   Format
	bookings BookingReader
	renderer *Renderer
	baseURL  string
}

// NewChannelExecutor creates an executor for an email, SMS or WhatsApp channel.
func NewChannelExecutor(sender Sender, format Format, bookings BookingReader, renderer *Renderer, baseURL string) *ChannelExecutor {
	return &ChannelExecutor{
		sender:   sender,
		format:   format,
		bookings: bookings,
		renderer: renderer,
		baseURL:  baseURL,
	}
}

// Execute sends one booking message.
func (e *ChannelExecutor) Execute(ctx context.Context, record *Record) (Result, error) {
	if !e.sender.ValidateRecipient(record.Recipient) {
		return Result{}, NewNonRetryableError(fmt.Errorf("%w: %q", ErrInvalidRecipient, record.Recipient))
	}

	if record.BookingID == nil {
		return Result{}, NewNonRetryableError(ErrMissingBooking)
	}

	booking, err := e.bookings.GetBooking(ctx, *record.BookingID)
	if err != nil {
		if errors.Is(err, domain.ErrBookingNotFound) {
			return Result{}, NewNonRetryableError(err)
		}
		return Result{}, fmt.Errorf("get booking: %w", err)
	}

	if booking.IsCancelled() && record.Trigger != TriggerBookingCancelled {
		return Result{}, NewNonRetryableError(fmt.Errorf("%w: %s", ErrBookingCancelled, booking.ID))
	}

	data := MessageData{
		AttendeeName: booking.AttendeeName,
		EventTitle:   booking.Title,
		VideoURL:     booking.VideoURL,
		ManageURL:    e.manageURL(booking.ID),
	}

	if event, err := e.bookings.GetEventType(ctx, booking.EventTypeID); err == nil {
		if data.EventTitle == "" {
			data.EventTitle = event.Title
		}
		data.Location = event.Location
	} else if !errors.Is(err, domain.ErrEventTypeNotFound) {
		return Result{}, fmt.Errorf("get event type: %w", err)
	}

	loc := booking.Location()
	data.StartTime = booking.StartTime.In(loc)
	data.EndTime = booking.EndTime.In(loc)

	if record.Trigger == TriggerBookingRescheduled {
		// The booking row already holds the new times; the snapshot is the
		// only source for both sides of the change.
		p, err := DecodePayload[ReschedulePayload](record.Payload)
		if err != nil {
			return Result{}, NewNonRetryableError(fmt.Errorf("reschedule payload: %w", err))
		}
		oldStart, oldEnd := p.OldStartTime.In(loc), p.OldEndTime.In(loc)
		data.OldStartTime = &oldStart
		data.OldEndTime = &oldEnd
		data.StartTime = p.NewStartTime.In(loc)
		data.EndTime = p.NewEndTime.In(loc)
	}

	subject, body, err := e.renderer.Render(e.format, record.Trigger, data)
	if err != nil {
		return Result{}, NewNonRetryableError(fmt.Errorf("render: %w", err))
	}

	messageID, err := e.sender.Send(ctx, Message{
		To:      record.Recipient,
		Subject: subject,
		Body:    body,
		Metadata: map[string]string{
			"record_id":  record.ID,
			"booking_id": booking.ID,
			"trigger":    string(record.Trigger),
		},
	})
	if err != nil {
		return Result{}, err
	}

	ctxlog.FromContext(ctx).Debug("booking message sent", "trigger", record.Trigger, "message_id", messageID)

	return Result{ExternalMessageID: messageID}, nil
}

func (e *ChannelExecutor) manageURL(bookingID string) string {
	if e.baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/booking/%s", e.baseURL, bookingID)
}
