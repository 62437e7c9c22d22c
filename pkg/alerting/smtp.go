package alerting

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
)

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier e-mails alert events to the event recipients.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send SendFunc
}

// NewSMTPNotifier creates an e-mail notifier. A nil send uses smtp.SendMail.
func NewSMTPNotifier(cfg SMTPConfig, send SendFunc) *SMTPNotifier {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.From == "" {
		cfg.From = "polis-flow@localhost"
	}
	if send == nil {
		send = smtp.SendMail
	}
	return &SMTPNotifier{cfg: cfg, send: send}
}

// Notify sends one message to all recipients. Events without recipients are dropped.
func (n *SMTPNotifier) Notify(ctx context.Context, event Event) error {
	if len(event.Recipients) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	if err := n.send(addr, auth, n.cfg.From, event.Recipients, n.message(event)); err != nil {
		return fmt.Errorf("send alert to %s: %w", addr, err)
	}
	return nil
}

func (n *SMTPNotifier) message(event Event) []byte {
	var b strings.Builder
	b.WriteString("From: " + n.cfg.From + "\r\n")
	b.WriteString("To: " + strings.Join(event.Recipients, ", ") + "\r\n")
	b.WriteString("Subject: " + event.Subject() + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(event.Body(), "\n", "\r\n"))
	return []byte(b.String())
}
