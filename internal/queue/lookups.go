package queue

import (
	"context"

	"github.com/bissquit/booking-dispatch/internal/domain"
)

// BookingReader reads booking-side state at execution time.
type BookingReader interface {
	GetBooking(ctx context.Context, id string) (*domain.Booking, error)
	GetEventType(ctx context.Context, id string) (*domain.EventType, error)
}

// InvitationStore reads slot invitations and records sends.
type InvitationStore interface {
	GetInvitation(ctx context.Context, id string) (*domain.SlotInvitation, error)
	IncrementInvitationSendCount(ctx context.Context, id string) error
}
