// Package mail sends outbound email: second-factor one-time codes and
// organization invitations. Delivery is plain SMTP; deployments that do
// not configure mail get the no-op sender and the email second factor
// is rejected at config validation.
package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/coffer-vault/coffer/internal/infrastructure/config"
	"github.com/coffer-vault/coffer/internal/infrastructure/logging"
)

// Sender delivers a plain-text email to a single recipient.
type Sender interface {
	Send(to, subject, body string) error
}

// SMTPSender sends mail through a configured SMTP relay.
type SMTPSender struct {
	cfg    config.MailConfig
	logger *logging.Logger
}

// NewSender returns an SMTP sender when mail is enabled, otherwise a
// no-op sender.
func NewSender(cfg config.MailConfig, logger *logging.Logger) Sender {
	if !cfg.Enabled {
		return NopSender{}
	}
	return &SMTPSender{cfg: cfg, logger: logger}
}

// Send delivers a message via SMTP with optional PLAIN auth.
func (s *SMTPSender) Send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	msg := strings.Join([]string{
		"From: " + s.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}

	s.logger.Debug("mail sent", "to", to, "subject", subject)
	return nil
}

// NopSender discards all mail. Used when mail is disabled and in tests.
type NopSender struct{}

// Send discards the message.
func (NopSender) Send(_, _, _ string) error {
	return nil
}
