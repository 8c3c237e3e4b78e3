package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// implicitTLSPort is the SMTP submission port that expects TLS from the first
// byte instead of STARTTLS.
const implicitTLSPort = 465

// sendFunc matches smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailConfig holds the mail relay connection and sender credentials.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// From is the sender address. Empty uses Username.
	From string
}

// EmailChannel sends notifications through an SMTP relay using PLAIN auth.
type EmailChannel struct {
	cfg  EmailConfig
	send sendFunc
	now  func() time.Time
}

// NewEmailChannel creates an email channel for the given relay.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}

	c := &EmailChannel{cfg: cfg, now: time.Now}
	if cfg.Port == implicitTLSPort {
		c.send = c.sendWithTLS
	} else {
		// SendMail upgrades with STARTTLS when the server offers it.
		c.send = smtp.SendMail
	}
	return c
}

func (c *EmailChannel) Name() string { return "email" }

// Validate checks that the channel has enough configuration to send.
func (c *EmailChannel) Validate() error {
	if c.cfg.Host == "" {
		return errors.New("email: smtp host is required")
	}
	if c.cfg.Port <= 0 {
		return errors.New("email: smtp port is required")
	}
	if c.cfg.From == "" {
		return errors.New("email: sender address is required")
	}
	return nil
}

// Send delivers msg to every recipient in one SMTP transaction.
func (c *EmailChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return &NotifyError{Channel: c.Name(), Err: err}
	}
	if len(msg.Recipients) == 0 {
		return &NotifyError{Channel: c.Name(), Err: errors.New("no recipients")}
	}

	from, err := envelopeAddress(c.cfg.From)
	if err != nil {
		return &NotifyError{Channel: c.Name(), Err: fmt.Errorf("sender: %w", err)}
	}
	to := make([]string, 0, len(msg.Recipients))
	for _, r := range msg.Recipients {
		addr, err := envelopeAddress(r)
		if err != nil {
			return &NotifyError{Channel: c.Name(), Err: fmt.Errorf("recipient: %w", err)}
		}
		to = append(to, addr)
	}

	data, err := c.buildMessage(msg)
	if err != nil {
		return &NotifyError{Channel: c.Name(), Err: err}
	}

	var auth smtp.Auth
	if c.cfg.Username != "" && c.cfg.Password != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port))
	if err := c.send(addr, auth, from, to, data); err != nil {
		return &NotifyError{Channel: c.Name(), Err: err}
	}
	return nil
}

// buildMessage renders an RFC 5322 message with a quoted-printable UTF-8 body.
func (c *EmailChannel) buildMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader := func(key, value string) {
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(stripNewlines(value))
		buf.WriteString("\r\n")
	}

	writeHeader("From", c.cfg.From)
	writeHeader("To", strings.Join(msg.Recipients, ", "))
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader("Date", c.now().Format(time.RFC1123Z))
	writeHeader("Message-ID", fmt.Sprintf("<%s@%s>", uuid.New(), messageIDHost(c.cfg.From)))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/plain; charset="UTF-8"`)
	writeHeader("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	buf.WriteString("\r\n")

	return buf.Bytes(), nil
}

// sendWithTLS sends email over implicit TLS (port 465).
func (c *EmailChannel) sendWithTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: c.cfg.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("TLS dial failed: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		return fmt.Errorf("SMTP client failed: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL failed: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT failed: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("SMTP write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("SMTP close failed: %w", err)
	}

	return client.Quit()
}

// envelopeAddress returns the bare address of s for MAIL FROM and RCPT TO.
// Headers keep the form with a display name.
func envelopeAddress(s string) (string, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr.Address, nil
}

func stripNewlines(s string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(s)
}

func messageIDHost(from string) string {
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		return strings.Trim(from[i+1:], "<> ")
	}
	return "pagewatch.localhost"
}
