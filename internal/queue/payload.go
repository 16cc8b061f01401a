package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Payload policy per type: reschedule emails snapshot the old and new times
// because the booking row already holds the new ones; slot invitation emails
// only point at the invitation. Refund and task records carry no payload and
// re-read the booking when they run.

// ReschedulePayload captures the booking times around a reschedule.
type ReschedulePayload struct {
	OldStartTime time.Time `json:"old_start_time"`
	OldEndTime   time.Time `json:"old_end_time"`
	NewStartTime time.Time `json:"new_start_time"`
	NewEndTime   time.Time `json:"new_end_time"`
}

// InvitationPayload points at a slot invitation.
type InvitationPayload struct {
	SlotInvitationID string `json:"slot_invitation_id"`
}

var errEmptyPayload = errors.New("payload is empty")

// EncodePayload marshals a payload value.
func EncodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals a record payload.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errEmptyPayload
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}
