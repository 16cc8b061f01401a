// Package twilio provides the SMS and WhatsApp channel senders.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	"github.com/bissquit/booking-dispatch/internal/pkg/metrics"
	"github.com/bissquit/booking-dispatch/internal/queue"
)

const whatsAppPrefix = "whatsapp:"

// Config holds Twilio configuration shared by both channels.
type Config struct {
	Enabled      bool
	AccountSID   string
	AuthToken    string
	SMSFrom      string
	WhatsAppFrom string
	// RateLimit is the maximum number of messages per second across both
	// channels.
	RateLimit float64
}

// messageCreator is the part of the Twilio REST API the senders use.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client is a Twilio account shared by the SMS and WhatsApp senders.
type Client struct {
	config    Config
	api       messageCreator
	limiter   *rate.Limiter
	validator *validator.Validate
}

// NewClient creates a Twilio client.
// Returns error if enabled but required config is missing.
func NewClient(config Config) (*Client, error) {
	if config.Enabled {
		if config.AccountSID == "" || config.AuthToken == "" {
			return nil, errors.New("twilio: account sid and auth token are required when enabled")
		}
		if config.SMSFrom == "" && config.WhatsAppFrom == "" {
			return nil, errors.New("twilio: at least one of sms_from or whatsapp_from is required when enabled")
		}
	}

	if config.RateLimit <= 0 {
		config.RateLimit = 10
	}

	slog.Info("twilio client configured",
		"enabled", config.Enabled,
		"sms", config.SMSFrom != "",
		"whatsapp", config.WhatsAppFrom != "",
		"rate_limit", config.RateLimit,
	)

	restClient := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})

	return newClient(config, restClient.Api), nil
}

func newClient(config Config, api messageCreator) *Client {
	return &Client{
		config:    config,
		api:       api,
		limiter:   rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		validator: validator.New(),
	}
}

// SMS returns the SMS sender.
func (c *Client) SMS() *Sender {
	return &Sender{client: c, channel: "sms", from: c.config.SMSFrom}
}

// WhatsApp returns the WhatsApp sender.
func (c *Client) WhatsApp() *Sender {
	from := c.config.WhatsAppFrom
	if from != "" && !strings.HasPrefix(from, whatsAppPrefix) {
		from = whatsAppPrefix + from
	}
	return &Sender{client: c, channel: "whatsapp", from: from, prefix: whatsAppPrefix}
}

// Sender delivers text messages over one Twilio channel.
type Sender struct {
	client  *Client
	channel string
	from    string
	prefix  string
}

// ValidateRecipient reports whether the recipient is an E.164 phone number.
func (s *Sender) ValidateRecipient(recipient string) bool {
	return s.client.validator.Var(recipient, "required,e164") == nil
}

// Send delivers one message and returns the Twilio message SID.
func (s *Sender) Send(ctx context.Context, msg queue.Message) (string, error) {
	if !s.client.config.Enabled || s.from == "" {
		return "", queue.NewNonRetryableError(fmt.Errorf("%s: %w", s.channel, queue.ErrChannelDisabled))
	}

	if err := s.client.limiter.Wait(ctx); err != nil {
		return "", queue.NewRetryableError(fmt.Errorf("%s rate limit: %w", s.channel, err))
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(s.prefix + msg.To)
	params.SetFrom(s.from)
	params.SetBody(msg.Body)

	start := time.Now()
	resp, err := s.client.api.CreateMessage(params)
	metrics.ObserveProviderCall("twilio_"+s.channel, start, err)
	if err != nil {
		return "", classify(fmt.Errorf("%s send: %w", s.channel, err))
	}

	if resp == nil || resp.Sid == nil {
		return "", nil
	}
	return *resp.Sid, nil
}

// classify marks Twilio errors: throttling and server errors are retried,
// other API rejections (bad number, unsubscribed recipient) are permanent.
// Errors without an API status are transport failures and are retried.
func classify(err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status == http.StatusTooManyRequests || restErr.Status >= http.StatusInternalServerError {
			return queue.NewRetryableError(err)
		}
		return queue.NewNonRetryableError(err)
	}
	return queue.NewRetryableError(err)
}

var _ queue.Sender = (*Sender)(nil)
