// Package email provides the SMTP channel sender.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/bissquit/booking-dispatch/internal/pkg/metrics"
	"github.com/bissquit/booking-dispatch/internal/queue"
)

// Config holds email sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	// ImplicitTLS dials with TLS from the start (port 465) instead of
	// upgrading with STARTTLS.
	ImplicitTLS bool
	// Timeout bounds one SMTP session from dial to QUIT.
	Timeout time.Duration
}

const defaultTimeout = 30 * time.Second

// Sender delivers emails over SMTP.
type Sender struct {
	config    Config
	from      string
	tlsConfig *tls.Config
	validator *validator.Validate
	deliver   func(ctx context.Context, m *gomail.Message) error
}

// NewSender creates a new email sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	from := config.FromAddress
	if from != "" {
		addr, err := mail.ParseAddress(config.FromAddress)
		if err != nil {
			return nil, fmt.Errorf("email sender: invalid from address: %w", err)
		}
		from = addr.Address
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
		"timeout", config.Timeout,
	)

	s := &Sender{
		config: config,
		from:   from,
		tlsConfig: &tls.Config{
			ServerName: config.SMTPHost,
			MinVersion: tls.VersionTLS12,
		},
		validator: validator.New(),
	}
	s.deliver = s.dialAndSend
	return s, nil
}

// ValidateRecipient reports whether the recipient is a valid email address.
func (s *Sender) ValidateRecipient(recipient string) bool {
	return s.validator.Var(recipient, "required,email") == nil
}

// Send delivers one email and returns its Message-ID.
func (s *Sender) Send(ctx context.Context, msg queue.Message) (string, error) {
	if !s.config.Enabled {
		return "", queue.NewNonRetryableError(fmt.Errorf("email: %w", queue.ErrChannelDisabled))
	}
	if err := ctx.Err(); err != nil {
		return "", queue.NewRetryableError(err)
	}

	messageID := s.messageID()
	m := s.buildMessage(messageID, msg)

	start := time.Now()
	err := s.deliver(ctx, m)
	metrics.ObserveProviderCall("smtp", start, err)
	if err != nil {
		err = fmt.Errorf("smtp send: %w", err)
		if IsRetryable(err) {
			return "", queue.NewRetryableError(err)
		}
		return "", queue.NewNonRetryableError(err)
	}

	return messageID, nil
}

func (s *Sender) messageID() string {
	domain := "localhost"
	if at := strings.LastIndex(s.from, "@"); at != -1 {
		domain = s.from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func (s *Sender) buildMessage(messageID string, msg queue.Message) *gomail.Message {
	m := gomail.NewMessage(gomail.SetCharset("UTF-8"))
	m.SetHeader("From", s.config.FromAddress)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	if id := msg.Metadata["record_id"]; id != "" {
		m.SetHeader("X-Dispatch-Record-ID", id)
	}
	m.SetBody("text/plain", msg.Body)
	return m
}

// dialAndSend runs one SMTP session on a connection whose deadline is the
// session timeout. Cancelling ctx aborts blocked reads and writes.
func (s *Sender) dialAndSend(ctx context.Context, m *gomail.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	addr := net.JoinHostPort(s.config.SMTPHost, strconv.Itoa(s.config.SMTPPort))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if s.config.ImplicitTLS {
		conn = tls.Client(conn, s.tlsConfig)
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return err
	}
	defer client.Close()

	if !s.config.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(s.tlsConfig); err != nil {
				return err
			}
		}
	}
	if s.config.SMTPUser != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.config.SMTPUser, s.config.SMTPPassword, s.config.SMTPHost)
			if err := client.Auth(auth); err != nil {
				return err
			}
		}
	}

	send := gomail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		if err := client.Mail(from); err != nil {
			return err
		}
		for _, rcpt := range to {
			if err := client.Rcpt(rcpt); err != nil {
				return err
			}
		}
		w, err := client.Data()
		if err != nil {
			return err
		}
		if _, err := msg.WriteTo(w); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	})
	if err := gomail.Send(send, m); err != nil {
		return err
	}

	return client.Quit()
}

// Reply codes that no retry can fix: auth required or rejected, mailbox
// unavailable or not local, name not allowed, transaction failed.
var permanentReplyCodes = []string{"530", "535", "550", "551", "553", "554"}

// IsRetryable determines if an SMTP error is worth another attempt.
// 4xx replies are, and so is 552 (mailbox full), which often clears. Other
// 5xx replies are permanent. Anything unclassified (a dropped connection, a
// TLS hiccup, a timeout) is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code/100 == 4 || protoErr.Code == 552
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// gomail wraps send errors without Unwrap, so the reply code survives only
	// in the text.
	errStr := err.Error()
	for _, code := range permanentReplyCodes {
		if strings.Contains(errStr, code+" ") {
			return false
		}
	}

	return true
}

var _ queue.Sender = (*Sender)(nil)
