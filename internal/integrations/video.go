package integrations

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// MeetingRequest describes a video meeting to create.
type MeetingRequest struct {
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Timezone string    `json:"timezone,omitempty"`
	// ExternalID is the booking id, used by the provider for deduplication.
	ExternalID string `json:"external_id"`
}

// Meeting is a provider-side video meeting.
type Meeting struct {
	ID      string `json:"id"`
	JoinURL string `json:"join_url"`
}

// VideoClient talks to the video meeting provider.
type VideoClient struct {
	c *client
}

// NewVideoClient creates a video provider client.
func NewVideoClient(config Config) *VideoClient {
	return &VideoClient{c: newClient("video", config)}
}

// CreateMeeting creates a meeting.
func (v *VideoClient) CreateMeeting(ctx context.Context, req MeetingRequest) (*Meeting, error) {
	var meeting Meeting
	if err := v.c.do(ctx, http.MethodPost, "/v1/meetings", req, req.ExternalID, &meeting); err != nil {
		return nil, fmt.Errorf("create video meeting: %w", err)
	}
	return &meeting, nil
}

// DeleteMeeting deletes a meeting. A missing meeting is reported as
// ErrNotFound.
func (v *VideoClient) DeleteMeeting(ctx context.Context, id string) error {
	if err := v.c.do(ctx, http.MethodDelete, "/v1/meetings/"+url.PathEscape(id), nil, "", nil); err != nil {
		return fmt.Errorf("delete video meeting %s: %w", id, err)
	}
	return nil
}
