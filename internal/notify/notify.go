// Package notify tells domain owners when a conversation needs a human.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/ashureev/leadchat/internal/config"
)

const (
	ownerSubject = "You got a new message"
	ownerBody    = "A customer is waiting in a live chat and needs your attention."
)

// ErrNoRecipient is returned when the owner has no email address.
var ErrNoRecipient = errors.New("notify: no recipient")

// Notifier delivers the owner hand-off notice.
type Notifier interface {
	NotifyOwner(ctx context.Context, email string) error
}

var (
	_ Notifier = (*SMTPNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier mails owners through an SMTP relay.
type SMTPNotifier struct {
	cfg      config.SMTPConfig
	sendMail sendMailFunc
	log      *slog.Logger
}

// NewSMTP creates an SMTP notifier.
func NewSMTP(cfg config.SMTPConfig, log *slog.Logger) *SMTPNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &SMTPNotifier{cfg: cfg, sendMail: smtp.SendMail, log: log}
}

// NotifyOwner sends the hand-off notice to email. net/smtp has no context
// support, so ctx only bounds how long the caller waits.
func (n *SMTPNotifier) NotifyOwner(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	msg := composeMessage(n.cfg.From, email, ownerSubject, ownerBody, time.Now())

	done := make(chan error, 1)
	go func() {
		done <- n.sendMail(addr, auth, n.cfg.From, []string{email}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send owner notification: %w", err)
		}
		n.log.Info("Owner notified", "to", email)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func composeMessage(from, to, subject, body string, at time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", at.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// LogNotifier records notifications in the log instead of sending mail.
type LogNotifier struct {
	log *slog.Logger
}

// NewLog creates a LogNotifier.
func NewLog(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

// NotifyOwner logs the notice.
func (n *LogNotifier) NotifyOwner(_ context.Context, email string) error {
	if strings.TrimSpace(email) == "" {
		return ErrNoRecipient
	}
	n.log.Info("Owner notification (mail disabled)", "to", email, "subject", ownerSubject)
	return nil
}

// New picks the SMTP notifier when a host is configured and the log
// notifier otherwise.
func New(cfg config.SMTPConfig, log *slog.Logger) Notifier {
	if cfg.Host == "" {
		return NewLog(log)
	}
	return NewSMTP(cfg, log)
}
