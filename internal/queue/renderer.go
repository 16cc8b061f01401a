package queue

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Format is the rendering format of a channel.
type Format string

// Formats.
const (
	FormatEmail Format = "email"
	FormatText  Format = "text"
)

// FormatFor returns the rendering format of a notification type.
func FormatFor(t NotificationType) Format {
	if t == TypeEmail || t == TypeSlotInvitationEmail {
		return FormatEmail
	}
	return FormatText
}

// MessageData is the content a message is rendered from.
type MessageData struct {
	AttendeeName string
	EventTitle   string
	Location     string
	VideoURL     string
	ManageURL    string
	StartTime    time.Time
	EndTime      time.Time
	OldStartTime *time.Time
	OldEndTime   *time.Time

	InvitationURL       string
	InvitationExpiresAt time.Time
	InvitationSendCount int
}

var subjects = map[Trigger]string{
	TriggerBookingCreated:     "Confirmed: %s",
	TriggerBookingCancelled:   "Cancelled: %s",
	TriggerBookingRescheduled: "Rescheduled: %s",
	TriggerBookingReminder:    "Reminder: %s",
	TriggerBookingFollowUp:    "How was %s?",
	TriggerSlotInvitation:     "You are invited to book %s",
}

// Renderer renders messages from embedded templates.
type Renderer struct {
	templates map[string]*template.Template
	funcMap   template.FuncMap
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":      titleCase,
		"upper":      strings.ToUpper,
		"formatTime": formatTime,
		"formatDate": formatDate,
		"formatSpan": formatSpan,
	}

	r := &Renderer{
		templates: make(map[string]*template.Template),
		funcMap:   funcMap,
	}

	entries, err := templatesFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".tmpl")
		content, err := templatesFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", entry.Name(), err)
		}

		tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// Render renders a message for the format and trigger.
// Returns subject and body; subject is empty for text formats.
func (r *Renderer) Render(format Format, trigger Trigger, data MessageData) (subject, body string, err error) {
	templateName := fmt.Sprintf("%s_%s", format, trigger)
	tmpl, ok := r.templates[templateName]
	if !ok {
		return "", "", fmt.Errorf("template not found: %s", templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", templateName, err)
	}

	if format == FormatEmail {
		subject = renderSubject(trigger, data.EventTitle)
	}

	return subject, strings.TrimSpace(buf.String()), nil
}

func renderSubject(trigger Trigger, eventTitle string) string {
	pattern, ok := subjects[trigger]
	if !ok {
		return titleCase(eventTitle)
	}
	return fmt.Sprintf(pattern, titleCase(eventTitle))
}

func titleCase(s string) string {
	return cases.Title(language.English, cases.NoLower).String(s)
}

func formatTime(t time.Time) string {
	return t.Format("Mon, 02 Jan 2006 15:04 MST")
}

func formatDate(t time.Time) string {
	return t.Format("02 Jan 2006")
}

func formatSpan(start, end time.Time) string {
	if start.Year() == end.Year() && start.YearDay() == end.YearDay() {
		return fmt.Sprintf("%s - %s", formatTime(start), end.Format("15:04 MST"))
	}
	return fmt.Sprintf("%s - %s", formatTime(start), formatTime(end))
}
