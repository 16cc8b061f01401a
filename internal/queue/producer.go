package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/bissquit/booking-dispatch/internal/domain"
)

// DefaultRescheduleDelay gives the calendar sync task of a reschedule a head
// start over the reschedule message. The ordering is best effort only.
const DefaultRescheduleDelay = 5 * time.Second

// Triggers of messages that are obsolete once a booking is cancelled.
var cancelledBookingTriggers = []Trigger{
	TriggerBookingCreated,
	TriggerBookingRescheduled,
	TriggerBookingReminder,
	TriggerBookingFollowUp,
}

// Triggers of messages scheduled against the booking times.
var timedTriggers = []Trigger{
	TriggerBookingReminder,
	TriggerBookingFollowUp,
}

// Producer builds queue records for domain triggers. It never sends anything;
// each call is a single insert or a single batch.
type Producer struct {
	repo            Repository
	policy          RetryPolicy
	validator       *validator.Validate
	rescheduleDelay time.Duration
	now             func() time.Time
}

// NewProducer creates a new producer.
func NewProducer(repo Repository, policy RetryPolicy, rescheduleDelay time.Duration) *Producer {
	if rescheduleDelay < 0 {
		rescheduleDelay = DefaultRescheduleDelay
	}
	return &Producer{
		repo:            repo,
		policy:          policy,
		validator:       validator.New(),
		rescheduleDelay: rescheduleDelay,
		now:             time.Now,
	}
}

// EnqueueBookingNotifications enqueues the messages of a booking trigger on
// every channel the event type enables. BookingCreated enqueues the
// confirmation, reminder and follow-up; BookingCancelled cancels whatever is
// still pending for the booking and enqueues the cancellation notice once per
// channel, however often the cancellation is reported.
func (p *Producer) EnqueueBookingNotifications(ctx context.Context, booking *domain.Booking, eventType *domain.EventType, trigger Trigger) ([]string, error) {
	switch trigger {
	case TriggerBookingCreated:
	case TriggerBookingCancelled:
		if _, err := p.CancelBookingNotifications(ctx, booking.ID, cancelledBookingTriggers...); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTrigger, trigger)
	}

	records := p.bookingRecords(booking, eventType, trigger)
	if trigger == TriggerBookingCancelled {
		var err error
		if records, err = p.withoutExisting(ctx, records); err != nil {
			return nil, err
		}
	}
	if err := p.insert(ctx, records); err != nil {
		return nil, err
	}
	return recordIDs(records), nil
}

// EnqueueSeriesNotifications enqueues the messages of a trigger for every
// occurrence of a recurring series in one batch. Tuples of (booking, type,
// trigger) that were already enqueued are skipped, so calling it again for
// the same series is a no-op.
func (p *Producer) EnqueueSeriesNotifications(ctx context.Context, series *domain.RecurringSeries, occurrences []*domain.Booking, eventType *domain.EventType, trigger Trigger) ([]string, error) {
	if trigger != TriggerBookingCreated {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTrigger, trigger)
	}

	var candidates []*Record
	for _, occurrence := range occurrences {
		candidates = append(candidates, p.bookingRecords(occurrence, eventType, trigger)...)
	}
	records, err := p.withoutExisting(ctx, candidates)
	if err != nil {
		return nil, err
	}

	if err := p.insert(ctx, records); err != nil {
		return nil, err
	}

	slog.Info("series notifications enqueued",
		"series_id", series.ID,
		"occurrences", len(occurrences),
		"records", len(records),
	)

	return recordIDs(records), nil
}

// EnqueueReschedule handles a moved booking. The booking already holds the
// new times, so the old ones come from the caller and travel in the payload.
// Pending reminders and follow-ups are replaced by ones at the new times.
func (p *Producer) EnqueueReschedule(ctx context.Context, booking *domain.Booking, eventType *domain.EventType, oldStart, oldEnd time.Time) ([]string, error) {
	payload, err := EncodePayload(ReschedulePayload{
		OldStartTime: oldStart,
		OldEndTime:   oldEnd,
		NewStartTime: booking.StartTime,
		NewEndTime:   booking.EndTime,
	})
	if err != nil {
		return nil, err
	}

	if _, err := p.CancelBookingNotifications(ctx, booking.ID, timedTriggers...); err != nil {
		return nil, err
	}

	now := p.now()
	var records []*Record
	for _, ch := range channelsFor(booking, eventType.Notifications) {
		record := p.bookingRecord(booking, ch.notificationType, TriggerBookingRescheduled, ch.recipient, now, now.Add(p.rescheduleDelay))
		record.Payload = payload
		records = append(records, record)
	}
	records = append(records, p.timedRecords(booking, eventType.Notifications, now)...)

	if err := p.insert(ctx, records); err != nil {
		return nil, err
	}
	return recordIDs(records), nil
}

// EnqueueRefund enqueues a refund for a booking. Payment identifiers are not
// captured; the executor reads them from the booking when it runs.
// A booking gets at most one refund record: ErrAlreadyEnqueued is returned
// when one exists.
func (p *Producer) EnqueueRefund(ctx context.Context, booking *domain.Booking) (string, error) {
	now := p.now()
	record := p.bookingRecord(booking, TypeRefund, TriggerBookingCancelled, "refund:"+booking.ID, now, now)
	return p.insertOnce(ctx, record)
}

// EnqueueTask enqueues a calendar or video task for a booking. Deletion tasks
// are enqueued once per booking and return ErrAlreadyEnqueued after that.
func (p *Producer) EnqueueTask(ctx context.Context, booking *domain.Booking, notificationType NotificationType, trigger Trigger) (string, error) {
	if !notificationType.IsTask() {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, notificationType)
	}

	now := p.now()
	recipient := fmt.Sprintf("task:%s:%s", notificationType, booking.ID)
	record := p.bookingRecord(booking, notificationType, trigger, recipient, now, now)
	if notificationType == TypeCalendarDeletion || notificationType == TypeVideoLinkDeletion {
		return p.insertOnce(ctx, record)
	}
	if err := p.insert(ctx, []*Record{record}); err != nil {
		return "", err
	}
	return record.ID, nil
}

func (p *Producer) insertOnce(ctx context.Context, record *Record) (string, error) {
	records, err := p.withoutExisting(ctx, []*Record{record})
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%w: %s/%s for booking %s", ErrAlreadyEnqueued, record.Type, record.Trigger, *record.BookingID)
	}
	if err := p.insert(ctx, records); err != nil {
		return "", err
	}
	return record.ID, nil
}

// withoutExisting drops records whose (booking, type, trigger) tuple is
// already in the queue or its history.
func (p *Producer) withoutExisting(ctx context.Context, records []*Record) ([]*Record, error) {
	out := records[:0:0]
	for _, record := range records {
		exists, err := p.repo.Exists(ctx, *record.BookingID, record.Type, record.Trigger)
		if err != nil {
			return nil, fmt.Errorf("check existing record: %w", err)
		}
		if !exists {
			out = append(out, record)
		}
	}
	return out, nil
}

// EnqueueSlotInvitation enqueues an invitation email. There is no booking
// yet; the payload only points at the invitation.
func (p *Producer) EnqueueSlotInvitation(ctx context.Context, invitation *domain.SlotInvitation) (string, error) {
	payload, err := EncodePayload(InvitationPayload{SlotInvitationID: invitation.ID})
	if err != nil {
		return "", err
	}

	now := p.now()
	record := p.newRecord(TypeSlotInvitationEmail, TriggerSlotInvitation, invitation.Email, now, now)
	record.TenantID = invitation.TenantID
	record.EventID = invitation.EventTypeID
	record.UserID = invitation.UserID
	record.Payload = payload

	if err := p.insert(ctx, []*Record{record}); err != nil {
		return "", err
	}
	return record.ID, nil
}

// CancelBookingNotifications cancels the pending records of a booking,
// optionally only those of the given triggers. Records already claimed by a
// worker are left to finish.
func (p *Producer) CancelBookingNotifications(ctx context.Context, bookingID string, triggers ...Trigger) (int, error) {
	n, err := p.repo.CancelForBooking(ctx, bookingID, triggers, p.now())
	if err != nil {
		return 0, fmt.Errorf("cancel booking records: %w", err)
	}
	if n > 0 {
		slog.Info("pending records cancelled", "booking_id", bookingID, "count", n)
	}
	return n, nil
}

// Cancel cancels a single pending record.
func (p *Producer) Cancel(ctx context.Context, id string) (*HistoryRecord, error) {
	return p.repo.Cancel(ctx, id, p.now())
}

type channel struct {
	notificationType NotificationType
	recipient        string
}

func channelsFor(booking *domain.Booking, settings domain.NotificationSettings) []channel {
	var channels []channel
	if settings.Email && booking.AttendeeEmail != "" {
		channels = append(channels, channel{TypeEmail, booking.AttendeeEmail})
	}
	if settings.SMS && booking.AttendeePhone != "" {
		channels = append(channels, channel{TypeSMS, booking.AttendeePhone})
	}
	if settings.WhatsApp && booking.AttendeePhone != "" {
		channels = append(channels, channel{TypeWhatsApp, booking.AttendeePhone})
	}
	return channels
}

func (p *Producer) bookingRecords(booking *domain.Booking, eventType *domain.EventType, trigger Trigger) []*Record {
	now := p.now()
	settings := eventType.Notifications

	var records []*Record
	if trigger == TriggerBookingCancelled || settings.SendConfirmation {
		for _, ch := range channelsFor(booking, settings) {
			records = append(records, p.bookingRecord(booking, ch.notificationType, trigger, ch.recipient, now, now))
		}
	}
	if trigger == TriggerBookingCreated {
		records = append(records, p.timedRecords(booking, settings, now)...)
	}
	return records
}

// timedRecords builds reminders and follow-ups. A reminder whose time has
// already passed is not enqueued.
func (p *Producer) timedRecords(booking *domain.Booking, settings domain.NotificationSettings, now time.Time) []*Record {
	var records []*Record
	for _, ch := range channelsFor(booking, settings) {
		if settings.SendReminder && settings.ReminderHoursBefore > 0 {
			at := booking.StartTime.Add(-time.Duration(settings.ReminderHoursBefore) * time.Hour)
			if at.After(now) {
				records = append(records, p.bookingRecord(booking, ch.notificationType, TriggerBookingReminder, ch.recipient, now, at))
			}
		}
		if settings.SendFollowUp && settings.FollowUpHoursAfter > 0 {
			at := booking.EndTime.Add(time.Duration(settings.FollowUpHoursAfter) * time.Hour)
			records = append(records, p.bookingRecord(booking, ch.notificationType, TriggerBookingFollowUp, ch.recipient, now, at))
		}
	}
	return records
}

func (p *Producer) bookingRecord(booking *domain.Booking, notificationType NotificationType, trigger Trigger, recipient string, scheduledAt, executeAt time.Time) *Record {
	record := p.newRecord(notificationType, trigger, recipient, scheduledAt, executeAt)
	bookingID := booking.ID
	record.TenantID = booking.TenantID
	record.BookingID = &bookingID
	record.EventID = booking.EventTypeID
	record.UserID = booking.UserID
	return record
}

func (p *Producer) newRecord(notificationType NotificationType, trigger Trigger, recipient string, scheduledAt, executeAt time.Time) *Record {
	return &Record{
		ID:          uuid.NewString(),
		Type:        notificationType,
		Trigger:     trigger,
		Recipient:   recipient,
		ScheduledAt: scheduledAt,
		ExecuteAt:   executeAt,
		MaxRetries:  p.policy.MaxRetriesFor(notificationType),
		Status:      StatusPending,
		Version:     1,
		CreatedAt:   scheduledAt,
		UpdatedAt:   scheduledAt,
	}
}

func (p *Producer) insert(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	for _, record := range records {
		if err := p.validator.Struct(record); err != nil {
			return fmt.Errorf("validate record %s/%s: %w", record.Type, record.Trigger, err)
		}
	}

	var err error
	if len(records) == 1 {
		err = p.repo.Insert(ctx, records[0])
	} else {
		err = p.repo.InsertBatch(ctx, records)
	}
	if err != nil {
		return fmt.Errorf("insert records: %w", err)
	}

	recordEnqueued(records)
	return nil
}

func recordIDs(records []*Record) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}
