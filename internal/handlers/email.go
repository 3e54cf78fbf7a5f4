package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// EmailConfig holds SMTP connection details and the notification recipients.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string
}

// EmailChannel mails each notification via SMTP.
type EmailChannel struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an EmailChannel from config.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, send: smtp.SendMail}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	ctx, span := otel.Tracer("notification").Start(ctx, "channel.email")
	defer span.End()

	if len(c.cfg.To) == 0 {
		err := errors.New("email channel has no recipients")
		span.RecordError(err)
		span.SetStatus(codes.Error, "no recipients")
		return err
	}
	span.SetAttributes(attribute.String("email.to", strings.Join(c.cfg.To, ",")))

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	msg := buildMIME(c.cfg.From, c.cfg.To, n.Subject, n.Body)

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	// net/smtp takes no context; run it aside so ctx can cut the wait.
	done := make(chan error, 1)
	go func() {
		done <- c.send(addr, auth, c.cfg.From, c.cfg.To, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return fmt.Errorf("smtp send %s: %w", n.EventType, err)
		}
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("email send cancelled: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return err
	}
}

func buildMIME(from string, to []string, subject, body string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, strings.Join(to, ", "), subject, body,
	)
	return []byte(msg)
}
