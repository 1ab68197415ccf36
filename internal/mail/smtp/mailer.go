// Package smtpmail sends plain-text mail with attachments over SMTP.
package smtpmail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
)

// Config describes the SMTP relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// ImplicitTLS dials TLS directly (port 465). Otherwise STARTTLS is used
	// when the server offers it.
	ImplicitTLS bool
	Timeout     time.Duration
	// InsecureSkipVerify disables certificate checks; tests only.
	InsecureSkipVerify bool
}

// Attachment is a file attached to a Message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one outgoing mail.
type Message struct {
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Mailer sends Messages through one SMTP relay.
type Mailer struct {
	cfg Config
	now func() time.Time
}

// New validates cfg and returns a Mailer.
func New(cfg Config) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("smtp port is required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Mailer{cfg: cfg, now: time.Now}, nil
}

// From returns the sender address.
func (m *Mailer) From() string {
	return m.cfg.From
}

// Send delivers msg. The whole exchange is bounded by the configured timeout
// and by ctx.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return errors.New("mail has no recipients")
	}
	out, err := m.buildMessage(msg)
	if err != nil {
		return err
	}
	client, err := m.client()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := client.DialAndSendWithContext(ctx, out); err != nil {
		return fmt.Errorf("smtp send via %s: %w", addr, err)
	}
	return nil
}

func (m *Mailer) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTimeout(m.cfg.Timeout),
		mail.WithTLSConfig(&tls.Config{
			ServerName:         m.cfg.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: m.cfg.InsecureSkipVerify, //nolint:gosec // test relays only
		}),
	}
	if m.cfg.ImplicitTLS {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return client, nil
}

// buildMessage renders msg with base64 bodies; attachments make it
// multipart/mixed.
func (m *Mailer) buildMessage(msg Message) (*mail.Msg, error) {
	out := mail.NewMsg(mail.WithEncoding(mail.EncodingB64))
	if err := out.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("mail from %q: %w", m.cfg.From, err)
	}
	if err := out.To(msg.To...); err != nil {
		return nil, fmt.Errorf("mail to: %w", err)
	}
	out.Subject(msg.Subject)
	out.SetDateWithValue(m.now())
	out.SetMessageIDWithValue(uuid.NewString() + "@" + senderDomain(m.cfg.From))
	out.SetBodyString(mail.TypeTextPlain, msg.Body)

	for _, a := range msg.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		if err := out.AttachReader(a.Filename, bytes.NewReader(a.Data),
			mail.WithFileContentType(mail.ContentType(ct))); err != nil {
			return nil, fmt.Errorf("attach %s: %w", a.Filename, err)
		}
	}
	return out, nil
}

func senderDomain(from string) string {
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		return strings.TrimSuffix(from[i+1:], ">")
	}
	return "localhost"
}
