// Package refund implements the executor that refunds cancelled paid
// bookings.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/booking-dispatch/internal/domain"
	"github.com/bissquit/booking-dispatch/internal/integrations"
	"github.com/bissquit/booking-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/booking-dispatch/internal/queue"
)

const refundReason = "booking_cancelled"

// BookingStore reads the booking payment and records the refund outcome.
type BookingStore interface {
	GetBooking(ctx context.Context, id string) (*domain.Booking, error)
	MarkRefunded(ctx context.Context, bookingID, refundID string, refundedAt time.Time) error
}

// PaymentProvider issues refunds.
type PaymentProvider interface {
	Refund(ctx context.Context, req integrations.RefundRequest) (*integrations.Refund, error)
}

// Executor refunds the payment of a booking. Payment facts always come from
// the current booking row, never from the queued record.
type Executor struct {
	bookings BookingStore
	payments PaymentProvider
	now      func() time.Time
}

// NewExecutor creates a refund executor.
func NewExecutor(bookings BookingStore, payments PaymentProvider) *Executor {
	return &Executor{
		bookings: bookings,
		payments: payments,
		now:      time.Now,
	}
}

// Execute refunds the booking referenced by the record. It is safe to call
// more than once for the same booking: a booking that already carries a
// refund stamp short-circuits to success, and the provider idempotency key is
// derived from the booking payment, not from the record.
func (e *Executor) Execute(ctx context.Context, record *queue.Record) (queue.Result, error) {
	if record.BookingID == nil {
		return queue.Result{}, queue.NewNonRetryableError(queue.ErrMissingBooking)
	}

	booking, err := e.bookings.GetBooking(ctx, *record.BookingID)
	if err != nil {
		if errors.Is(err, domain.ErrBookingNotFound) {
			return queue.Result{}, queue.NewNonRetryableError(err)
		}
		return queue.Result{}, fmt.Errorf("get booking: %w", err)
	}

	logger := ctxlog.FromContext(ctx).With("booking_id", booking.ID)

	if booking.RefundedAt != nil {
		logger.Info("booking already refunded", "refund_id", booking.RefundID)
		return queue.Result{ExternalMessageID: booking.RefundID, Details: "already refunded"}, nil
	}

	if booking.Payment == nil || booking.Payment.ProviderPaymentID == "" || booking.Payment.Amount <= 0 {
		logger.Info("booking has no payment to refund")
		return queue.Result{Details: "no payment to refund"}, nil
	}

	refund, err := e.payments.Refund(ctx, integrations.RefundRequest{
		PaymentID:      booking.Payment.ProviderPaymentID,
		Amount:         booking.Payment.Amount,
		Currency:       booking.Payment.Currency,
		Reason:         refundReason,
		IdempotencyKey: IdempotencyKey(booking),
	})
	if err != nil {
		if errors.Is(err, integrations.ErrConflict) {
			logger.Warn("payment provider reports payment already refunded", "error", err)
			// stamped without a refund id so later records short-circuit
			if err := e.bookings.MarkRefunded(ctx, booking.ID, "", e.now()); err != nil {
				return queue.Result{}, queue.NewRetryableError(fmt.Errorf("mark booking refunded: %w", err))
			}
			return queue.Result{Details: "refunded outside the queue"}, nil
		}
		return queue.Result{}, err
	}

	// A failed stamp is retried; the idempotency key makes the provider
	// return the same refund on the next attempt.
	if err := e.bookings.MarkRefunded(ctx, booking.ID, refund.ID, e.now()); err != nil {
		return queue.Result{}, queue.NewRetryableError(fmt.Errorf("mark booking refunded: %w", err))
	}

	logger.Info("booking refunded",
		"refund_id", refund.ID,
		"amount", booking.Payment.Amount,
		"currency", booking.Payment.Currency,
	)

	return queue.Result{ExternalMessageID: refund.ID}, nil
}

// IdempotencyKey identifies the refund of a booking payment at the provider.
// Every attempt and every record for the same payment uses the same key.
func IdempotencyKey(booking *domain.Booking) string {
	return "refund:" + booking.ID + ":" + booking.Payment.ProviderPaymentID
}

var _ queue.Executor = (*Executor)(nil)
