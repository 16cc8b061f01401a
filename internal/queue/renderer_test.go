package queue

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer_AllBookingTemplates(t *testing.T) {
	renderer := newTestRenderer(t)
	start := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	data := MessageData{
		AttendeeName: "Ada",
		EventTitle:   "design review",
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
	}

	triggers := []Trigger{
		TriggerBookingCreated,
		TriggerBookingCancelled,
		TriggerBookingRescheduled,
		TriggerBookingReminder,
		TriggerBookingFollowUp,
	}

	for _, format := range []Format{FormatEmail, FormatText} {
		for _, trigger := range triggers {
			t.Run(string(format)+"_"+string(trigger), func(t *testing.T) {
				subject, body, err := renderer.Render(format, trigger, data)
				require.NoError(t, err)
				assert.Contains(t, body, "Design Review")
				assert.Equal(t, body, strings.TrimSpace(body))
				if format == FormatEmail {
					assert.Contains(t, subject, "Design Review")
				} else {
					assert.Empty(t, subject)
				}
			})
		}
	}
}

func TestRenderer_FormatSpan(t *testing.T) {
	start := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

	assert.Equal(t, "Mon, 04 May 2026 09:30 UTC - 10:30 UTC", formatSpan(start, start.Add(time.Hour)))
	assert.Equal(t, "Mon, 04 May 2026 09:30 UTC - Tue, 05 May 2026 09:30 UTC", formatSpan(start, start.Add(24*time.Hour)))
}

func TestRenderer_UnknownTemplate(t *testing.T) {
	renderer := newTestRenderer(t)

	_, _, err := renderer.Render(FormatText, TriggerSlotInvitation, MessageData{})
	assert.Error(t, err)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatEmail, FormatFor(TypeEmail))
	assert.Equal(t, FormatEmail, FormatFor(TypeSlotInvitationEmail))
	assert.Equal(t, FormatText, FormatFor(TypeSMS))
	assert.Equal(t, FormatText, FormatFor(TypeWhatsApp))
}
