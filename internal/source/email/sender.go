package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/source"
)

// SMTPSender submits outbound mail. Every Send opens, authenticates and
// closes its own connection. It implements source.Transport.
type SMTPSender struct {
	cfg SMTPConfig

	// dial opens the connection, already wrapped in TLS unless StartTLS is
	// set; replaced in tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	now  func() time.Time
}

// NewSMTPSender creates a sender for the given server.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	netDialer := &net.Dialer{Timeout: cfg.Timeout}
	dial := netDialer.DialContext
	if !cfg.StartTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: netDialer,
			Config:    &tls.Config{ServerName: cfg.Host},
		}
		dial = tlsDialer.DialContext
	}
	return &SMTPSender{
		cfg:  cfg,
		dial: dial,
		now:  time.Now,
	}
}

// Send composes msg and submits it to To and Cc.
func (s *SMTPSender) Send(ctx context.Context, msg model.Outgoing) error {
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("sending mail: no recipient")
	}
	if msg.From == "" {
		msg.From = s.cfg.Username
	}

	data, err := composeMessage(msg, s.now(), s.messageID())
	if err != nil {
		return fmt.Errorf("composing mail to %s: %w", msg.To, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	conn, err := s.dial(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("dial to %s: %w", s.cfg.Addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if s.cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("SMTP STARTTLS: %w", err)
		}
	}

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return &source.AuthError{
			Transport: "smtp",
			Message:   fmt.Sprintf("authentication failed for %s: %v", s.cfg.Username, err),
		}
	}

	return sendViaClient(client, msg.From, msg.Recipients(), data)
}

func (s *SMTPSender) messageID() string {
	domain := "localhost"
	if at := strings.LastIndex(s.cfg.Username, "@"); at >= 0 && at < len(s.cfg.Username)-1 {
		domain = s.cfg.Username[at+1:]
	}
	return uuid.NewString() + "@" + domain
}

// sendViaClient sends a message using an already-authenticated SMTP client.
func sendViaClient(
	client *smtp.Client, from string, rcpts []string, data []byte,
) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}

	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	return client.Quit()
}

// composeMessage renders msg as a single-part text/plain RFC 5322 message.
func composeMessage(
	msg model.Outgoing, date time.Time, messageID string,
) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: msg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	if msg.Cc != "" {
		h.SetAddressList("Cc", []*mail.Address{{Address: msg.Cc}})
	}
	h.SetSubject(msg.Subject)
	h.SetMessageID(messageID)
	h.SetContentType("text/plain", map[string]string{"charset": "UTF-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
