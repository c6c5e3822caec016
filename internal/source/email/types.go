package email

import (
	"net"
	"strconv"
	"time"

	"github.com/nhle/mailtriage/internal/model"
)

// IMAPConfig holds the mailbox connection settings.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// StartTLS upgrades a plain connection instead of dialing TLS directly.
	StartTLS bool

	// Timeout bounds dialing and each individual IMAP command.
	Timeout time.Duration
}

// Addr returns host:port.
func (c IMAPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SMTPConfig holds the SMTP server settings for outbound mail.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// StartTLS upgrades a plain connection instead of dialing TLS directly.
	StartTLS bool

	// Timeout bounds one complete send, from dial to QUIT.
	Timeout time.Duration
}

// Addr returns host:port.
func (c SMTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IMAPConfigFrom extracts the mailbox settings from the agent config.
func IMAPConfigFrom(cfg *model.Config) IMAPConfig {
	return IMAPConfig{
		Host:     cfg.IMAPServer,
		Port:     cfg.IMAPPort,
		Username: cfg.EmailAccount,
		Password: cfg.EmailPassword,
		StartTLS: cfg.IMAPStartTLS,
		Timeout:  cfg.IMAPTimeout(),
	}
}

// SMTPConfigFrom extracts the outbound settings from the agent config.
// The same account is used to receive and to send.
func SMTPConfigFrom(cfg *model.Config) SMTPConfig {
	return SMTPConfig{
		Host:     cfg.SMTPServer,
		Port:     cfg.SMTPPort,
		Username: cfg.EmailAccount,
		Password: cfg.EmailPassword,
		StartTLS: cfg.SMTPStartTLS,
		Timeout:  cfg.SMTPTimeout(),
	}
}
