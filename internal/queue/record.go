// Package queue implements the scheduled, retryable delivery queue behind
// booking notifications, refunds and calendar/video tasks.
package queue

import (
	"encoding/json"
	"time"
)

// Status represents the status of a queue record.
type Status string

// Record statuses. Pending and Processing records live in the pending region,
// the rest are terminal and live in history.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// NotificationType selects the executor that handles a record.
type NotificationType string

// Notification types.
const (
	TypeEmail               NotificationType = "email"
	TypeSMS                 NotificationType = "sms"
	TypeWhatsApp            NotificationType = "whatsapp"
	TypeRefund              NotificationType = "refund"
	TypeSlotInvitationEmail NotificationType = "slot_invitation_email"
	TypeVideoLinkCreation   NotificationType = "video_link_creation"
	TypeVideoLinkDeletion   NotificationType = "video_link_deletion"
	TypeCalendarSync        NotificationType = "calendar_sync"
	TypeCalendarDeletion    NotificationType = "calendar_deletion"
)

// IsChannel reports whether the type delivers a message to a human recipient.
func (t NotificationType) IsChannel() bool {
	switch t {
	case TypeEmail, TypeSMS, TypeWhatsApp, TypeSlotInvitationEmail:
		return true
	}
	return false
}

// IsTask reports whether the type is an auxiliary calendar or video task.
func (t NotificationType) IsTask() bool {
	switch t {
	case TypeVideoLinkCreation, TypeVideoLinkDeletion, TypeCalendarSync, TypeCalendarDeletion:
		return true
	}
	return false
}

// Trigger is the domain event that caused a record to be enqueued.
type Trigger string

// Triggers.
const (
	TriggerBookingCreated     Trigger = "booking_created"
	TriggerBookingCancelled   Trigger = "booking_cancelled"
	TriggerBookingRescheduled Trigger = "booking_rescheduled"
	TriggerBookingReminder    Trigger = "booking_reminder"
	TriggerBookingFollowUp    Trigger = "booking_follow_up"
	TriggerBookingPaid        Trigger = "booking_paid"
	TriggerSlotInvitation     Trigger = "slot_invitation"
)

// Record is one scheduled delivery or task and its attempt series.
type Record struct {
	ID        string  `validate:"required,uuid"`
	TenantID  string  `validate:"required"`
	BookingID *string `validate:"omitempty,min=1"`
	EventID   string
	UserID    string

	Type      NotificationType `validate:"required"`
	Trigger   Trigger          `validate:"required"`
	Recipient string           `validate:"required"`
	Payload   json.RawMessage

	ScheduledAt time.Time `validate:"required"`
	ExecuteAt   time.Time `validate:"required"`
	NextRetryAt *time.Time

	RetryCount          int `validate:"gte=0,ltefield=MaxRetries"`
	MaxRetries          int `validate:"min=1"`
	ProcessingStartedAt *time.Time
	SentAt              *time.Time

	Status            Status `validate:"required"`
	ExternalMessageID string
	ErrorMessage      string
	ErrorDetails      string

	// Version is bumped on every store write and guards concurrent updates.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BookingIDValue returns the booking id or an empty string.
func (r *Record) BookingIDValue() string {
	if r.BookingID == nil {
		return ""
	}
	return *r.BookingID
}

// HistoryRecord is a record archived with its final outcome.
type HistoryRecord struct {
	Record
	FinalStatus      Status
	ProcessedAt      time.Time
	ProcessingTimeMs int64
}

// Archive builds the history projection of a record.
func Archive(r *Record, final Status, processedAt time.Time) *HistoryRecord {
	h := &HistoryRecord{
		Record:      *r,
		FinalStatus: final,
		ProcessedAt: processedAt,
	}
	h.Status = final
	if r.ProcessingStartedAt != nil {
		h.ProcessingTimeMs = processedAt.Sub(*r.ProcessingStartedAt).Milliseconds()
	}
	return h
}

// Stats contains record counts per status across both regions.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// HistoryFilter narrows history listings.
type HistoryFilter struct {
	BookingID   string
	FinalStatus Status
	Limit       int
}
