package queue

import "errors"

// Repository errors.
var (
	ErrRecordNotFound  = errors.New("queue record not found")
	ErrVersionConflict = errors.New("queue record was modified concurrently")
	ErrNotCancellable  = errors.New("queue record is not pending")
)

// Dispatch errors.
var (
	ErrNoExecutor         = errors.New("no executor registered for notification type")
	ErrInvalidRecipient   = errors.New("invalid recipient")
	ErrChannelDisabled    = errors.New("channel is not configured")
	ErrMissingBooking     = errors.New("record has no booking id")
	ErrBookingCancelled   = errors.New("booking is cancelled")
	ErrInvitationClosed   = errors.New("slot invitation is no longer open")
	ErrUnsupportedTrigger = errors.New("trigger is not supported by this producer")
	ErrUnsupportedType    = errors.New("notification type is not supported by this producer")
	ErrAlreadyEnqueued    = errors.New("record is already enqueued")
)
