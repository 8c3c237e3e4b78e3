package notify

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  []byte
}

func testChannel(t *testing.T, sendErr error) (*EmailChannel, *[]sentMail) {
	t.Helper()
	var sent []sentMail
	c := NewEmailChannel(EmailConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "watcher@example.com",
		Password: "secret",
	})
	c.now = func() time.Time { return time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC) }
	c.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, auth: a, from: from, to: to, msg: msg})
		return sendErr
	}
	return c, &sent
}

func TestEmailChannel_Send(t *testing.T) {
	c, sent := testChannel(t, nil)

	err := c.Send(context.Background(), Message{
		Subject:    "Zmiana statusu",
		Body:       "Nowy status: Rekrutacja otwarta\nSprawdź stronę.",
		Recipients: []string{"a@example.com", "b@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	m := (*sent)[0]
	assert.Equal(t, "smtp.example.com:587", m.addr)
	assert.NotNil(t, m.auth, "credentials should produce PLAIN auth")
	assert.Equal(t, "watcher@example.com", m.from, "From falls back to the username")
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, m.to)

	parsed, err := mail.ReadMessage(strings.NewReader(string(m.msg)))
	require.NoError(t, err)

	subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Zmiana statusu", subject)
	assert.Equal(t, "a@example.com, b@example.com", parsed.Header.Get("To"))
	assert.Equal(t, "watcher@example.com", parsed.Header.Get("From"))
	assert.True(t, strings.HasSuffix(parsed.Header.Get("Message-ID"), "@example.com>"))
	assert.Contains(t, parsed.Header.Get("Content-Type"), "UTF-8")

	date, err := parsed.Header.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)))

	body, err := io.ReadAll(quotedprintable.NewReader(parsed.Body))
	require.NoError(t, err)
	assert.Equal(t, "Nowy status: Rekrutacja otwarta\r\nSprawdź stronę.", strings.TrimRight(string(body), "\r\n"))
}

func TestEmailChannel_NonASCIISubjectIsEncoded(t *testing.T) {
	c, sent := testChannel(t, nil)

	err := c.Send(context.Background(), Message{
		Subject:    "Zmiana: zapisy otwarte – Informatyka",
		Body:       "x",
		Recipients: []string{"a@example.com"},
	})
	require.NoError(t, err)

	raw := string((*sent)[0].msg)
	assert.Contains(t, raw, "Subject: =?utf-8?q?")

	parsed, err := mail.ReadMessage(strings.NewReader(raw))
	require.NoError(t, err)
	subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Zmiana: zapisy otwarte – Informatyka", subject)
}

func TestEmailChannel_HeaderInjection(t *testing.T) {
	c, sent := testChannel(t, nil)

	err := c.Send(context.Background(), Message{
		Subject:    "hello\r\nBcc: victim@example.com",
		Body:       "x",
		Recipients: []string{"a@example.com"},
	})
	require.NoError(t, err)

	parsed, err := mail.ReadMessage(strings.NewReader(string((*sent)[0].msg)))
	require.NoError(t, err)
	assert.Empty(t, parsed.Header.Get("Bcc"))
}

func TestEmailChannel_DisplayNamesStayInHeaders(t *testing.T) {
	c, sent := testChannel(t, nil)
	c.cfg.From = "Watcher <watcher@example.com>"

	err := c.Send(context.Background(), Message{
		Subject:    "s",
		Body:       "b",
		Recipients: []string{"Jan Kowalski <jan@example.com>", "b@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	m := (*sent)[0]
	assert.Equal(t, "watcher@example.com", m.from)
	assert.Equal(t, []string{"jan@example.com", "b@example.com"}, m.to)

	parsed, err := mail.ReadMessage(strings.NewReader(string(m.msg)))
	require.NoError(t, err)
	assert.Equal(t, "Watcher <watcher@example.com>", parsed.Header.Get("From"))
	assert.Equal(t, "Jan Kowalski <jan@example.com>, b@example.com", parsed.Header.Get("To"))
}

func TestEmailChannel_InvalidRecipient(t *testing.T) {
	c, sent := testChannel(t, nil)

	err := c.Send(context.Background(), Message{Subject: "s", Body: "b", Recipients: []string{"not-an-address"}})
	var notifyErr *NotifyError
	require.ErrorAs(t, err, &notifyErr)
	assert.ErrorContains(t, err, "recipient")
	assert.Empty(t, *sent)
}

func TestEmailChannel_SendFailure(t *testing.T) {
	relayDown := errors.New("connection refused")
	c, sent := testChannel(t, relayDown)

	err := c.Send(context.Background(), Message{Subject: "s", Body: "b", Recipients: []string{"a@example.com"}})

	var notifyErr *NotifyError
	require.ErrorAs(t, err, &notifyErr)
	assert.Equal(t, "email", notifyErr.Channel)
	assert.ErrorIs(t, err, relayDown)
	assert.Len(t, *sent, 1)
}

func TestEmailChannel_NoRecipients(t *testing.T) {
	c, sent := testChannel(t, nil)

	err := c.Send(context.Background(), Message{Subject: "s", Body: "b"})
	var notifyErr *NotifyError
	require.ErrorAs(t, err, &notifyErr)
	assert.Empty(t, *sent, "nothing should be sent without recipients")
}

func TestEmailChannel_NoCredentials(t *testing.T) {
	c, sent := testChannel(t, nil)
	c.cfg.Password = ""

	require.NoError(t, c.Send(context.Background(), Message{Subject: "s", Body: "b", Recipients: []string{"a@example.com"}}))
	assert.Nil(t, (*sent)[0].auth)
}

func TestEmailChannel_CancelledContext(t *testing.T) {
	c, sent := testChannel(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Send(ctx, Message{Subject: "s", Body: "b", Recipients: []string{"a@example.com"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *sent)
}

func TestEmailChannel_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     EmailConfig
		wantErr bool
	}{
		{name: "complete", cfg: EmailConfig{Host: "smtp.example.com", Port: 587, Username: "a@example.com"}},
		{name: "missing host", cfg: EmailConfig{Port: 587, Username: "a@example.com"}, wantErr: true},
		{name: "missing port", cfg: EmailConfig{Host: "smtp.example.com", Username: "a@example.com"}, wantErr: true},
		{name: "missing sender", cfg: EmailConfig{Host: "smtp.example.com", Port: 587}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewEmailChannel(tt.cfg).Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNop(t *testing.T) {
	var ch Channel = Nop{}
	assert.Equal(t, "nop", ch.Name())
	assert.NoError(t, ch.Send(context.Background(), Message{}))
}
