package mailer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wneessen/go-mail"
)

func TestNewSMTPSenderRequiresHostAndFrom(t *testing.T) {
	if _, err := NewSMTPSender(SMTPConfig{From: "events@example.com"}); err == nil {
		t.Fatalf("expected error for missing host")
	}
	if _, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com"}); err == nil {
		t.Fatalf("expected error for missing from")
	}
}

func TestSMTPSenderComposesMessage(t *testing.T) {
	sender, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "events@example.com", Username: "user", Password: "pass"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	var captured *mail.Msg
	sender.dial = func(_ context.Context, _ *mail.Client, msg *mail.Msg) error {
		captured = msg
		return nil
	}

	if err := sender.Send(context.Background(), PINMessage("guest@example.com", "Ada", "4821")); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if captured == nil {
		t.Fatalf("expected message to be dialed")
	}
	recipients := captured.GetToString()
	if len(recipients) != 1 || !strings.Contains(recipients[0], "guest@example.com") {
		t.Fatalf("unexpected recipients %v", recipients)
	}
}

func TestSMTPSenderPropagatesDeliveryFailure(t *testing.T) {
	sender, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: 25, From: "events@example.com"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	relayErr := errors.New("relay refused")
	sender.dial = func(context.Context, *mail.Client, *mail.Msg) error { return relayErr }

	if err := sender.Send(context.Background(), Message{To: "guest@example.com", Subject: "s", Body: "b"}); !errors.Is(err, relayErr) {
		t.Fatalf("expected relay error, got %v", err)
	}
	if err := sender.Send(context.Background(), Message{Subject: "s"}); err == nil {
		t.Fatalf("expected error for missing recipient")
	}
}

func TestDisabledSender(t *testing.T) {
	if err := (Disabled{}).Send(context.Background(), Message{To: "a@x.com"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestPINMessageIncludesPINAndName(t *testing.T) {
	message := PINMessage("a@x.com", "Grace", "0042")
	if !strings.Contains(message.Body, "0042") || !strings.Contains(message.Body, "Grace") {
		t.Fatalf("expected PIN and name in body, got %q", message.Body)
	}
	if message.To != "a@x.com" {
		t.Fatalf("unexpected recipient %s", message.To)
	}
}
