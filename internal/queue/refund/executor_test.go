package refund

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/booking-dispatch/internal/domain"
	"github.com/bissquit/booking-dispatch/internal/integrations"
	"github.com/bissquit/booking-dispatch/internal/queue"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeBookingStore struct {
	mu        sync.Mutex
	bookings  map[string]*domain.Booking
	getErr    error
	markErr   error
	markCalls int
}

func (s *fakeBookingStore) GetBooking(_ context.Context, id string) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	b, ok := s.bookings[id]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	copied := *b
	return &copied, nil
}

func (s *fakeBookingStore) MarkRefunded(_ context.Context, bookingID, refundID string, refundedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls++
	if s.markErr != nil {
		return s.markErr
	}
	b := s.bookings[bookingID]
	b.RefundID = refundID
	b.RefundedAt = &refundedAt
	return nil
}

type fakePayments struct {
	mu       sync.Mutex
	err      error
	requests []integrations.RefundRequest
}

func (p *fakePayments) Refund(_ context.Context, req integrations.RefundRequest) (*integrations.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return &integrations.Refund{ID: "re_" + req.IdempotencyKey, Status: "succeeded"}, nil
}

func newFixture() (*fakeBookingStore, *fakePayments, *Executor) {
	store := &fakeBookingStore{bookings: map[string]*domain.Booking{
		"booking-1": {
			ID:     "booking-1",
			Status: domain.BookingStatusCancelled,
			Payment: &domain.Payment{
				ProviderPaymentID: "pay_123",
				Amount:            4500,
				Currency:          "EUR",
			},
		},
	}}
	payments := &fakePayments{}
	executor := NewExecutor(store, payments)
	executor.now = func() time.Time { return testNow }
	return store, payments, executor
}

func newRecord(id string) *queue.Record {
	bookingID := "booking-1"
	return &queue.Record{
		ID:         id,
		BookingID:  &bookingID,
		Type:       queue.TypeRefund,
		Trigger:    queue.TriggerBookingCancelled,
		Recipient:  "refund:booking-1",
		MaxRetries: 5,
	}
}

func TestExecutor_Refunds(t *testing.T) {
	store, payments, executor := newFixture()

	result, err := executor.Execute(context.Background(), newRecord("rec-1"))
	require.NoError(t, err)
	assert.Equal(t, "re_refund:booking-1:pay_123", result.ExternalMessageID)

	require.Len(t, payments.requests, 1)
	req := payments.requests[0]
	assert.Equal(t, "pay_123", req.PaymentID)
	assert.Equal(t, int64(4500), req.Amount)
	assert.Equal(t, "EUR", req.Currency)
	assert.Equal(t, "refund:booking-1:pay_123", req.IdempotencyKey)

	b := store.bookings["booking-1"]
	require.NotNil(t, b.RefundedAt)
	assert.Equal(t, testNow, *b.RefundedAt)
	assert.Equal(t, "re_refund:booking-1:pay_123", b.RefundID)
}

func TestExecutor_DuplicateInvocationRefundsOnce(t *testing.T) {
	_, payments, executor := newFixture()

	first, err := executor.Execute(context.Background(), newRecord("rec-1"))
	require.NoError(t, err)

	// A duplicate delivery, possibly from a second record for the same booking.
	second, err := executor.Execute(context.Background(), newRecord("rec-2"))
	require.NoError(t, err)

	assert.Len(t, payments.requests, 1)
	assert.Equal(t, first.ExternalMessageID, second.ExternalMessageID)
	assert.Equal(t, "already refunded", second.Details)
}

func TestExecutor_UsesCurrentPaymentState(t *testing.T) {
	store, payments, executor := newFixture()
	store.bookings["booking-1"].Payment.Amount = 3000

	record := newRecord("rec-1")
	record.Payload = []byte(`{"amount":4500}`)

	_, err := executor.Execute(context.Background(), record)
	require.NoError(t, err)

	require.Len(t, payments.requests, 1)
	assert.Equal(t, int64(3000), payments.requests[0].Amount)
}

func TestExecutor_NoPayment(t *testing.T) {
	tests := []struct {
		name    string
		payment *domain.Payment
	}{
		{name: "no payment", payment: nil},
		{name: "no provider id", payment: &domain.Payment{Amount: 100, Currency: "EUR"}},
		{name: "zero amount", payment: &domain.Payment{ProviderPaymentID: "pay_1", Currency: "EUR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, payments, executor := newFixture()
			store.bookings["booking-1"].Payment = tt.payment

			result, err := executor.Execute(context.Background(), newRecord("rec-1"))
			require.NoError(t, err)
			assert.Equal(t, "no payment to refund", result.Details)
			assert.Empty(t, payments.requests)
			assert.Zero(t, store.markCalls)
		})
	}
}

func TestExecutor_Failures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*fakeBookingStore, *fakePayments, *queue.Record)
		retryable bool
		target    error
	}{
		{
			name:   "missing booking id",
			setup:  func(_ *fakeBookingStore, _ *fakePayments, r *queue.Record) { r.BookingID = nil },
			target: queue.ErrMissingBooking,
		},
		{
			name:   "booking deleted",
			setup:  func(s *fakeBookingStore, _ *fakePayments, _ *queue.Record) { delete(s.bookings, "booking-1") },
			target: domain.ErrBookingNotFound,
		},
		{
			name:      "store unavailable",
			setup:     func(s *fakeBookingStore, _ *fakePayments, _ *queue.Record) { s.getErr = errors.New("connection reset") },
			retryable: true,
		},
		{
			name: "provider outage",
			setup: func(_ *fakeBookingStore, p *fakePayments, _ *queue.Record) {
				p.err = &integrations.RetryableError{Provider: "payments", Code: 503, Message: "unavailable"}
			},
			retryable: true,
		},
		{
			name: "provider rejects refund",
			setup: func(_ *fakeBookingStore, p *fakePayments, _ *queue.Record) {
				p.err = &integrations.PermanentError{Provider: "payments", Code: 400, Message: "charge disputed"}
			},
		},
		{
			name:      "refund stamp fails",
			setup:     func(s *fakeBookingStore, _ *fakePayments, _ *queue.Record) { s.markErr = errors.New("deadlock detected") },
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, payments, executor := newFixture()
			record := newRecord("rec-1")
			tt.setup(store, payments, record)

			_, err := executor.Execute(context.Background(), record)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, queue.IsRetryable(err))
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestExecutor_RetryAfterFailedStampReusesIdempotencyKey(t *testing.T) {
	store, payments, executor := newFixture()
	store.markErr = errors.New("deadlock detected")
	record := newRecord("rec-1")

	_, err := executor.Execute(context.Background(), record)
	require.Error(t, err)

	store.markErr = nil
	_, err = executor.Execute(context.Background(), record)
	require.NoError(t, err)

	require.Len(t, payments.requests, 2)
	assert.Equal(t, payments.requests[0].IdempotencyKey, payments.requests[1].IdempotencyKey)
}

func TestExecutor_ProviderConflictIsSuccess(t *testing.T) {
	store, payments, executor := newFixture()
	payments.err = &integrations.PermanentError{Provider: "payments", Code: 409, Message: "already refunded", Err: integrations.ErrConflict}

	result, err := executor.Execute(context.Background(), newRecord("rec-1"))
	require.NoError(t, err)
	assert.Equal(t, "refunded outside the queue", result.Details)
	assert.Equal(t, 1, store.markCalls)
	require.NotNil(t, store.bookings["booking-1"].RefundedAt)

	// a later record for the same booking does not call the provider again
	result, err = executor.Execute(context.Background(), newRecord("rec-2"))
	require.NoError(t, err)
	assert.Equal(t, "already refunded", result.Details)
	assert.Len(t, payments.requests, 1)
}

func TestExecutor_RecordsShareIdempotencyKey(t *testing.T) {
	store, payments, executor := newFixture()
	store.markErr = errors.New("connection reset")

	// two records for the same booking both reach the provider
	_, err := executor.Execute(context.Background(), newRecord("rec-1"))
	require.Error(t, err)
	_, err = executor.Execute(context.Background(), newRecord("rec-2"))
	require.Error(t, err)

	require.Len(t, payments.requests, 2)
	assert.Equal(t, payments.requests[0].IdempotencyKey, payments.requests[1].IdempotencyKey)
}
