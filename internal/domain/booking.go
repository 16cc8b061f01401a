package domain

import "time"

// BookingStatus represents the lifecycle state of a booking.
type BookingStatus string

// Booking statuses.
const (
	BookingStatusAccepted  BookingStatus = "accepted"
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusRejected  BookingStatus = "rejected"
)

// Payment holds the provider-side identifiers of a paid booking.
type Payment struct {
	ProviderPaymentID string `json:"provider_payment_id"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
}

// Booking is the read model of a booking as seen by the delivery queue.
// Times are always the current ones; previous times of a rescheduled booking
// are not kept here.
type Booking struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	EventTypeID     string        `json:"event_type_id"`
	UserID          string        `json:"user_id"`
	SeriesID        *string       `json:"series_id,omitempty"`
	Title           string        `json:"title"`
	AttendeeName    string        `json:"attendee_name"`
	AttendeeEmail   string        `json:"attendee_email"`
	AttendeePhone   string        `json:"attendee_phone"`
	Timezone        string        `json:"timezone"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Status          BookingStatus `json:"status"`
	Payment         *Payment      `json:"payment,omitempty"`
	RefundedAt      *time.Time    `json:"refunded_at,omitempty"`
	RefundID        string        `json:"refund_id,omitempty"`
	CalendarEventID string        `json:"calendar_event_id,omitempty"`
	VideoMeetingID  string        `json:"video_meeting_id,omitempty"`
	VideoURL        string        `json:"video_url,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsCancelled reports whether the booking was cancelled or rejected.
func (b *Booking) IsCancelled() bool {
	return b.Status == BookingStatusCancelled || b.Status == BookingStatusRejected
}

// Location returns the timezone location of the booking, UTC if unknown.
func (b *Booking) Location() *time.Location {
	if b.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NotificationSettings are the channel preferences of an event type.
type NotificationSettings struct {
	Email    bool `json:"email"`
	SMS      bool `json:"sms"`
	WhatsApp bool `json:"whatsapp"`

	SendConfirmation    bool `json:"send_confirmation"`
	SendReminder        bool `json:"send_reminder"`
	SendFollowUp        bool `json:"send_follow_up"`
	ReminderHoursBefore int  `json:"reminder_hours_before"`
	FollowUpHoursAfter  int  `json:"follow_up_hours_after"`
}

// EventType is a bookable event definition.
type EventType struct {
	ID            string               `json:"id"`
	TenantID      string               `json:"tenant_id"`
	UserID        string               `json:"user_id"`
	Title         string               `json:"title"`
	Location      string               `json:"location"`
	Notifications NotificationSettings `json:"notifications"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// InvitationStatus represents the state of a slot invitation.
type InvitationStatus string

// Invitation statuses.
const (
	InvitationStatusOpen     InvitationStatus = "open"
	InvitationStatusAccepted InvitationStatus = "accepted"
	InvitationStatusRevoked  InvitationStatus = "revoked"
)

// SlotInvitation invites someone to pick a slot before any booking exists.
type SlotInvitation struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	EventTypeID string           `json:"event_type_id"`
	UserID      string           `json:"user_id"`
	Email       string           `json:"email"`
	Name        string           `json:"name"`
	Token       string           `json:"token"`
	Status      InvitationStatus `json:"status"`
	SendCount   int              `json:"send_count"`
	ExpiresAt   time.Time        `json:"expires_at"`
	CreatedAt   time.Time        `json:"created_at"`
}

// IsOpen reports whether the invitation can still be used at the given time.
func (i *SlotInvitation) IsOpen(now time.Time) bool {
	return i.Status == InvitationStatusOpen && now.Before(i.ExpiresAt)
}

// RecurringSeries groups the occurrence bookings of a recurring booking.
type RecurringSeries struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	EventTypeID string `json:"event_type_id"`
	UserID      string `json:"user_id"`
}
