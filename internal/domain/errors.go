package domain

import "errors"

// Lookup errors returned by booking-side stores.
var (
	ErrBookingNotFound    = errors.New("booking not found")
	ErrEventTypeNotFound  = errors.New("event type not found")
	ErrInvitationNotFound = errors.New("slot invitation not found")
)
