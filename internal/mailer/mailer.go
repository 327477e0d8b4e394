// Package mailer delivers transactional email such as RSVP PINs.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// ErrNotConfigured is returned by senders that have no relay configured.
var ErrNotConfigured = errors.New("mailer: email delivery is not configured")

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Logger   *zap.Logger
}

// SMTPSender relays mail through an SMTP server.
type SMTPSender struct {
	config SMTPConfig
	logger *zap.Logger
	dial   func(ctx context.Context, client *mail.Client, msg *mail.Msg) error
}

// NewSMTPSender validates cfg and returns a sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("mailer: smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("mailer: from address is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPSender{
		config: cfg,
		logger: logger,
		dial: func(ctx context.Context, client *mail.Client, msg *mail.Msg) error {
			return client.DialAndSendWithContext(ctx, msg)
		},
	}, nil
}

// Send composes and delivers message.
func (s *SMTPSender) Send(ctx context.Context, message Message) error {
	msg, err := s.compose(message)
	if err != nil {
		return err
	}

	var options []mail.Option
	if s.config.Port > 0 {
		options = append(options, mail.WithPort(s.config.Port))
	}
	if s.config.Username != "" {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.config.Username),
			mail.WithPassword(s.config.Password),
		)
	}
	client, err := mail.NewClient(s.config.Host, options...)
	if err != nil {
		return fmt.Errorf("mailer: build client: %w", err)
	}

	if err := s.dial(ctx, client, msg); err != nil {
		s.logger.Warn("email delivery failed", zap.String("host", s.config.Host), zap.Error(err))
		return fmt.Errorf("mailer: send: %w", err)
	}
	s.logger.Info("email delivered", zap.String("subject", message.Subject))
	return nil
}

func (s *SMTPSender) compose(message Message) (*mail.Msg, error) {
	if strings.TrimSpace(message.To) == "" {
		return nil, fmt.Errorf("mailer: recipient is required")
	}
	msg := mail.NewMsg()
	if err := msg.From(s.config.From); err != nil {
		return nil, fmt.Errorf("mailer: invalid from address: %w", err)
	}
	if err := msg.To(message.To); err != nil {
		return nil, fmt.Errorf("mailer: invalid recipient: %w", err)
	}
	msg.Subject(message.Subject)
	msg.SetBodyString(mail.TypeTextPlain, message.Body)
	return msg, nil
}

// Disabled is the sender used when no relay is configured.
type Disabled struct{}

func (Disabled) Send(context.Context, Message) error {
	return ErrNotConfigured
}

// PINMessage renders the email carrying an RSVP edit PIN.
func PINMessage(to, guestName, pin string) Message {
	name := strings.TrimSpace(guestName)
	if name == "" {
		name = "there"
	}
	body := fmt.Sprintf(
		"Hi %s,\n\nYour PIN to edit your RSVP is: %s\n\nEnter it on the invitation page to update or cancel your response. Requesting a new PIN replaces this one.\n",
		name, pin,
	)
	return Message{To: to, Subject: "Your RSVP edit PIN", Body: body}
}
