package mailer

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/pyra-labs/protocol-api-sub000/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	raw  string
}

func newTestMailer(cfg config.EmailConfig, sent *capturedMail, err error) *Mailer {
	m := New(cfg)
	m.now = func() time.Time { return time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC) }
	m.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		*sent = capturedMail{addr: addr, auth: auth, from: from, to: to, raw: string(msg)}
		return err
	}
	return m
}

func TestAlertGoesToOperators(t *testing.T) {
	var sent capturedMail
	m := newTestMailer(config.EmailConfig{
		Host:     "smtp.example.com",
		Port:     587,
		User:     "alerts",
		Password: "secret",
		From:     "alerts@example.com",
		To:       []string{"ops@example.com", "dev@example.com"},
	}, &sent, nil)

	require.NoError(t, m.Alert(context.Background(), "[api-server] rpc down\r\nBcc: x@y.z", "line one\nline two"))
	assert.Equal(t, "smtp.example.com:587", sent.addr)
	assert.NotNil(t, sent.auth)
	assert.Equal(t, "alerts@example.com", sent.from)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, sent.to)

	header, body, found := strings.Cut(sent.raw, "\r\n\r\n")
	require.True(t, found)
	assert.Contains(t, header, "To: ops@example.com, dev@example.com\r\n")
	assert.NotContains(t, header, "\r\nBcc:")
	assert.Contains(t, header, "Date: Thu, 14 Mar 2024 09:00:00 +0000")
	assert.Equal(t, "line one\r\nline two", body)
}

func TestSendWelcomeWithoutAuth(t *testing.T) {
	var sent capturedMail
	m := newTestMailer(config.EmailConfig{Host: "localhost", Port: 25, From: "hello@example.com"}, &sent, nil)

	require.NoError(t, m.SendWelcome(context.Background(), "alice@example.com", "Alice"))
	assert.Nil(t, sent.auth)
	assert.Equal(t, []string{"alice@example.com"}, sent.to)
	assert.Contains(t, sent.raw, "Hi Alice,")
}

func TestSendErrors(t *testing.T) {
	var sent capturedMail
	boom := errors.New("554 rejected")
	m := newTestMailer(config.EmailConfig{Host: "localhost", Port: 25, From: "a@b.c"}, &sent, boom)

	assert.ErrorIs(t, m.Send(context.Background(), Message{Subject: "x"}), ErrNoRecipients)
	assert.Error(t, m.Send(context.Background(), Message{To: []string{"a@b.c\r\nRCPT TO:<z@z.z>"}}))
	assert.ErrorIs(t, m.Send(context.Background(), Message{To: []string{"a@b.c"}}), boom)
}

func TestSendHonoursContext(t *testing.T) {
	m := New(config.EmailConfig{Host: "localhost", Port: 25, From: "a@b.c"})
	release := make(chan struct{})
	defer close(release)
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Send(ctx, Message{To: []string{"a@b.c"}}), context.Canceled)
}
