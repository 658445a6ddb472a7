// Package mailer delivers plain-text email over SMTP for operator alerts and
// waitlist welcome messages.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pyra-labs/protocol-api-sub000/internal/config"
)

var ErrNoRecipients = errors.New("no recipients")

type Message struct {
	To      []string
	Subject string
	Body    string
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

type Mailer struct {
	cfg  config.EmailConfig
	send sendFunc
	now  func() time.Time
}

func New(cfg config.EmailConfig) *Mailer {
	return &Mailer{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

func (m *Mailer) addr() string {
	return net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
}

func (m *Mailer) auth() smtp.Auth {
	if m.cfg.User == "" {
		return nil
	}
	return smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
}

// Send blocks until the server accepts the message or ctx is done. The SMTP
// exchange itself is not interruptible, so on cancellation it finishes in the
// background.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	for _, to := range msg.To {
		if strings.ContainsAny(to, "\r\n") {
			return fmt.Errorf("invalid recipient %q", to)
		}
	}
	raw := m.render(msg)

	done := make(chan error, 1)
	go func() {
		done <- m.send(m.addr(), m.auth(), m.cfg.From, msg.To, raw)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailer) render(msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + m.cfg.From + "\r\n")
	b.WriteString("To: " + strings.Join(msg.To, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", sanitizeHeader(msg.Subject)) + "\r\n")
	b.WriteString("Date: " + m.now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("Message-ID: <" + uuid.NewString() + "@" + m.cfg.Host + ">\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(b.String())
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}

// Alert mails the configured operator list.
func (m *Mailer) Alert(ctx context.Context, subject string, body string) error {
	return m.Send(ctx, Message{To: m.cfg.To, Subject: subject, Body: body})
}

func (m *Mailer) SendWelcome(ctx context.Context, email string, name string) error {
	body := fmt.Sprintf(
		"Hi %s,\n\nThanks for joining the Quartz waitlist. We'll email you as soon as your spot opens up.\n\nThe Quartz team\n",
		name,
	)
	return m.Send(ctx, Message{To: []string{email}, Subject: "Welcome to the Quartz waitlist", Body: body})
}
