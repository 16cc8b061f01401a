package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/booking-dispatch/internal/integrations"
	"github.com/bissquit/booking-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/booking-dispatch/internal/queue"
)

// VideoLinkCreation provisions a video meeting for a booking.
type VideoLinkCreation struct {
	bookings BookingStore
	video    VideoProvider
}

// Execute creates the meeting unless the booking already has one.
func (e *VideoLinkCreation) Execute(ctx context.Context, record *queue.Record) (queue.Result, error) {
	booking, err := loadBooking(ctx, e.bookings, record)
	if err != nil {
		return queue.Result{}, err
	}
	if err := requireActive(booking); err != nil {
		return queue.Result{}, err
	}

	if booking.VideoMeetingID != "" {
		return queue.Result{ExternalMessageID: booking.VideoMeetingID, Details: "video meeting already exists"}, nil
	}

	title := booking.Title
	if title == "" {
		if eventType, err := e.bookings.GetEventType(ctx, booking.EventTypeID); err == nil {
			title = eventType.Title
		}
	}

	meeting, err := e.video.CreateMeeting(ctx, integrations.MeetingRequest{
		Title:      title,
		Start:      booking.StartTime,
		End:        booking.EndTime,
		Timezone:   booking.Timezone,
		ExternalID: booking.ID,
	})
	if err != nil {
		return queue.Result{}, err
	}

	if err := e.bookings.SetVideoMeeting(ctx, booking.ID, meeting.ID, meeting.JoinURL); err != nil {
		return queue.Result{}, fmt.Errorf("store video meeting: %w", err)
	}

	ctxlog.FromContext(ctx).Info("video meeting created", "booking_id", booking.ID, "meeting_id", meeting.ID)

	return queue.Result{ExternalMessageID: meeting.ID}, nil
}

// VideoLinkDeletion tears down the video meeting of a booking.
type VideoLinkDeletion struct {
	bookings BookingStore
	video    VideoProvider
}

// Execute deletes the meeting. Missing bookings, missing meetings and
// meetings already gone on the provider side count as success.
func (e *VideoLinkDeletion) Execute(ctx context.Context, record *queue.Record) (queue.Result, error) {
	booking, err := loadForDeletion(ctx, e.bookings, record)
	if err != nil {
		return queue.Result{}, err
	}
	if booking == nil {
		return queue.Result{Details: "booking no longer exists"}, nil
	}
	if booking.VideoMeetingID == "" {
		return queue.Result{Details: "no video meeting"}, nil
	}

	meetingID := booking.VideoMeetingID
	details := ""
	if err := e.video.DeleteMeeting(ctx, meetingID); err != nil {
		if !errors.Is(err, integrations.ErrNotFound) {
			return queue.Result{}, err
		}
		details = "video meeting already deleted"
	}

	if err := e.bookings.SetVideoMeeting(ctx, booking.ID, "", ""); err != nil {
		return queue.Result{}, fmt.Errorf("clear video meeting: %w", err)
	}

	ctxlog.FromContext(ctx).Info("video meeting deleted", "booking_id", booking.ID, "meeting_id", meetingID)

	return queue.Result{ExternalMessageID: meetingID, Details: details}, nil
}

var (
	_ queue.Executor = (*VideoLinkCreation)(nil)
	_ queue.Executor = (*VideoLinkDeletion)(nil)
)
