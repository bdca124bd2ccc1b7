package notifications

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/mtaani/commerce-backend/pkg/config"
	"github.com/mtaani/commerce-backend/pkg/logger"
)

// Mailer delivers a single outbound message. Delivery is best effort; callers
// record the outcome but never retry through this interface.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NewMailer returns an SMTP-backed mailer, or a log-only mailer when no SMTP
// host is configured so local environments work without a relay.
func NewMailer(cfg config.MailConfig, logg *logger.Logger) Mailer {
	if strings.TrimSpace(cfg.SMTPHost) == "" {
		return &logMailer{logg: logg}
	}
	return &smtpMailer{cfg: cfg}
}

type smtpMailer struct {
	cfg config.MailConfig
}

func (m *smtpMailer) Send(_ context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.SMTPHost)
	}
	msg := strings.Join([]string{
		"From: " + m.cfg.FromAddress,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")
	return smtp.SendMail(addr, auth, m.cfg.FromAddress, []string{to}, []byte(msg))
}

type logMailer struct {
	logg *logger.Logger
}

func (m *logMailer) Send(ctx context.Context, to, subject, _ string) error {
	if m.logg != nil {
		m.logg.Info(m.logg.WithFields(ctx, map[string]any{
			"recipient": to,
			"subject":   subject,
		}), "mail delivery skipped, no smtp host configured")
	}
	return nil
}
