package integrations

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// CalendarEvent is the calendar representation of a booking.
type CalendarEvent struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Timezone    string    `json:"timezone,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	// ExternalID is the booking id, used by the provider for deduplication.
	ExternalID string `json:"external_id"`
}

type calendarEventResponse struct {
	ID string `json:"id"`
}

// CalendarClient talks to the calendar provider.
type CalendarClient struct {
	c *client
}

// NewCalendarClient creates a calendar provider client.
func NewCalendarClient(config Config) *CalendarClient {
	return &CalendarClient{c: newClient("calendar", config)}
}

// CreateEvent creates an event and returns its provider id.
func (c *CalendarClient) CreateEvent(ctx context.Context, event CalendarEvent) (string, error) {
	var resp calendarEventResponse
	if err := c.c.do(ctx, http.MethodPost, "/v1/events", event, event.ExternalID, &resp); err != nil {
		return "", fmt.Errorf("create calendar event: %w", err)
	}
	return resp.ID, nil
}

// UpdateEvent replaces an existing event.
func (c *CalendarClient) UpdateEvent(ctx context.Context, id string, event CalendarEvent) error {
	if err := c.c.do(ctx, http.MethodPut, "/v1/events/"+url.PathEscape(id), event, "", nil); err != nil {
		return fmt.Errorf("update calendar event %s: %w", id, err)
	}
	return nil
}

// DeleteEvent deletes an event. A missing event is reported as ErrNotFound.
func (c *CalendarClient) DeleteEvent(ctx context.Context, id string) error {
	if err := c.c.do(ctx, http.MethodDelete, "/v1/events/"+url.PathEscape(id), nil, "", nil); err != nil {
		return fmt.Errorf("delete calendar event %s: %w", id, err)
	}
	return nil
}
