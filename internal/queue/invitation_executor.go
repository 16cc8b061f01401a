package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/booking-dispatch/internal/domain"
	"github.com/bissquit/booking-dispatch/internal/pkg/ctxlog"
)

// InvitationExecutor sends slot invitation emails. The record only points at
// the invitation; its state and send counter are read when the email goes out.
type InvitationExecutor struct {
	sender      Sender
	invitations InvitationStore
	bookings    BookingReader
	renderer    *Renderer
	baseURL     string
	now         func() time.Time
}

// NewInvitationExecutor creates a slot invitation executor.
func NewInvitationExecutor(sender Sender, invitations InvitationStore, bookings BookingReader, renderer *Renderer, baseURL string) *InvitationExecutor {
	return &InvitationExecutor{
		sender:      sender,
		invitations: invitations,
		bookings:    bookings,
		renderer:    renderer,
		baseURL:     baseURL,
		now:         time.Now,
	}
}

// Execute sends one invitation email.
func (e *InvitationExecutor) Execute(ctx context.Context, record *Record) (Result, error) {
	if !e.sender.ValidateRecipient(record.Recipient) {
		return Result{}, NewNonRetryableError(fmt.Errorf("%w: %q", ErrInvalidRecipient, record.Recipient))
	}

	p, err := DecodePayload[InvitationPayload](record.Payload)
	if err == nil && p.SlotInvitationID == "" {
		err = errEmptyPayload
	}
	if err != nil {
		return Result{}, NewNonRetryableError(fmt.Errorf("invitation payload: %w", err))
	}

	invitation, err := e.invitations.GetInvitation(ctx, p.SlotInvitationID)
	if err != nil {
		if errors.Is(err, domain.ErrInvitationNotFound) {
			return Result{}, NewNonRetryableError(err)
		}
		return Result{}, fmt.Errorf("get invitation: %w", err)
	}

	if !invitation.IsOpen(e.now()) {
		return Result{}, NewNonRetryableError(fmt.Errorf("%w: %s", ErrInvitationClosed, invitation.ID))
	}

	data := MessageData{
		AttendeeName:        invitation.Name,
		InvitationURL:       e.invitationURL(invitation.Token),
		InvitationExpiresAt: invitation.ExpiresAt,
		InvitationSendCount: invitation.SendCount,
	}

	event, err := e.bookings.GetEventType(ctx, invitation.EventTypeID)
	if err != nil {
		if errors.Is(err, domain.ErrEventTypeNotFound) {
			return Result{}, NewNonRetryableError(err)
		}
		return Result{}, fmt.Errorf("get event type: %w", err)
	}
	data.EventTitle = event.Title

	subject, body, err := e.renderer.Render(FormatEmail, TriggerSlotInvitation, data)
	if err != nil {
		return Result{}, NewNonRetryableError(fmt.Errorf("render: %w", err))
	}

	messageID, err := e.sender.Send(ctx, Message{
		To:      record.Recipient,
		Subject: subject,
		Body:    body,
		Metadata: map[string]string{
			"record_id":          record.ID,
			"slot_invitation_id": invitation.ID,
		},
	})
	if err != nil {
		return Result{}, err
	}

	// The email is out; a failed counter update must not cause a resend.
	if err := e.invitations.IncrementInvitationSendCount(ctx, invitation.ID); err != nil {
		ctxlog.FromContext(ctx).Error("failed to record invitation send",
			"slot_invitation_id", invitation.ID,
			"error", err,
		)
	}

	return Result{ExternalMessageID: messageID}, nil
}

func (e *InvitationExecutor) invitationURL(token string) string {
	return fmt.Sprintf("%s/invite/%s", e.baseURL, token)
}
