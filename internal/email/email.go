// Package email delivers magic-link login mail. Production deployments send
// through SMTP; when notifications are disabled the link is written to the
// application log instead, which is how local development signs in without a
// mail server.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"

	"github.com/protein-classifier/protein-classifier/internal/config"
)

// Emailer sends a magic-link login email. Implementations must not retain
// the token after the call returns.
type Emailer interface {
	SendMagicLink(ctx context.Context, toEmail, token string) error
}

// New picks the implementation for the current configuration: SMTP when
// notifications are enabled and a host is set, the log sink otherwise.
func New(cfg *config.Config, logger *slog.Logger) Emailer {
	if cfg.Notifications.Enabled && cfg.Notifications.SMTP.Host != "" {
		return &SMTPEmailer{smtp: &cfg.Notifications.SMTP, baseURL: cfg.Server.BaseURL}
	}
	logger.Warn("outbound email disabled, magic links will be logged instead")
	return &LogEmailer{baseURL: cfg.Server.BaseURL, logger: logger}
}

func verifyLink(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/auth/verify?token=" + token
}

// LogEmailer writes the login link to the log. Development only.
type LogEmailer struct {
	baseURL string
	logger  *slog.Logger
}

func (l *LogEmailer) SendMagicLink(_ context.Context, toEmail, token string) error {
	l.logger.Info("magic link (email delivery disabled)",
		slog.String("to", toEmail),
		slog.String("link", verifyLink(l.baseURL, token)))
	return nil
}

// SMTPEmailer delivers login mail over SMTP.
type SMTPEmailer struct {
	smtp    *config.SMTPConfig
	baseURL string
}

func (s *SMTPEmailer) SendMagicLink(_ context.Context, toEmail, token string) error {
	link := verifyLink(s.baseURL, token)

	subject := "Sign in to Protein Classifier"
	body := strings.Join([]string{
		"Hello,",
		"",
		"Use the link below to sign in. It expires in 15 minutes and works once:",
		"",
		"  " + link,
		"",
		"If you did not request this email, you can ignore it.",
		"",
		"- Protein Classifier",
	}, "\r\n")

	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		s.smtp.From, toEmail, subject,
	)
	msg := []byte(headers + body + "\r\n")

	addr := fmt.Sprintf("%s:%d", s.smtp.Host, s.smtp.Port)
	var auth smtp.Auth
	if s.smtp.Username != "" {
		auth = smtp.PlainAuth("", s.smtp.Username, s.smtp.Password, s.smtp.Host)
	}

	if s.smtp.UseTLS {
		return sendMailTLS(addr, s.smtp.Host, s.smtp.Port, auth, s.smtp.From, []string{toEmail}, msg)
	}
	return smtp.SendMail(addr, auth, s.smtp.From, []string{toEmail}, msg)
}

// sendMailTLS sends a message over an encrypted connection, or not at all.
// Port 465 is implicit TLS (SMTPS); every other port must offer STARTTLS.
// Magic-link tokens are credentials, so a server that cannot encrypt gets an
// error, never a plaintext downgrade.
func sendMailTLS(addr, host string, port int, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	var c *smtp.Client
	if port == 465 {
		conn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("smtps dial: %w", err)
		}
		hostname, _, _ := net.SplitHostPort(addr)
		c, err = smtp.NewClient(conn, hostname)
		if err != nil {
			conn.Close()
			return fmt.Errorf("smtp new client: %w", err)
		}
	} else {
		var err error
		c, err = smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("smtp dial: %w", err)
		}
		if ok, _ := c.Extension("STARTTLS"); !ok {
			c.Close()
			return fmt.Errorf("smtp server %s does not offer STARTTLS", addr)
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Close()
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
