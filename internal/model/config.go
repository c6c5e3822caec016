package model

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultAckBody is the fixed acknowledgement text sent to every sender.
const DefaultAckBody = "I have received your email and will address your " +
	"issue promptly. Thank you. This is an automated response."

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. TRIAGE_EMAIL_PASSWORD.
const EnvPrefix = "TRIAGE"

// Config is the agent configuration. It is loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	// Mailbox (IMAP) endpoint.
	IMAPServer   string `mapstructure:"imap_server" yaml:"imap_server"`
	IMAPPort     int    `mapstructure:"imap_port" yaml:"imap_port"`
	IMAPStartTLS bool   `mapstructure:"imap_starttls" yaml:"imap_starttls"`

	// Outbound (SMTP) endpoint.
	SMTPServer   string `mapstructure:"smtp_server" yaml:"smtp_server"`
	SMTPPort     int    `mapstructure:"smtp_port" yaml:"smtp_port"`
	SMTPStartTLS bool   `mapstructure:"smtp_starttls" yaml:"smtp_starttls"`

	// Credentials shared by both transports.
	EmailAccount  string `mapstructure:"email_account" yaml:"email_account"`
	EmailPassword string `mapstructure:"email_password" yaml:"email_password"`

	// Classification endpoint.
	APIURL         string  `mapstructure:"api_url" yaml:"api_url"`
	APIKey         string  `mapstructure:"api_key" yaml:"api_key"`
	APIModel       string  `mapstructure:"api_model" yaml:"api_model"`
	APITemperature float64 `mapstructure:"api_temperature" yaml:"api_temperature"`
	APITopP        float64 `mapstructure:"api_top_p" yaml:"api_top_p"`
	APIMaxTokens   int     `mapstructure:"api_max_tokens" yaml:"api_max_tokens"`
	APITimeoutSec  int     `mapstructure:"api_timeout_sec" yaml:"api_timeout_sec"`
	APIRetries     int     `mapstructure:"api_retries" yaml:"api_retries"`

	// Departments lists the category names; a category is an index into it.
	Departments     []string `mapstructure:"departments" yaml:"departments"`
	DefaultCategory int      `mapstructure:"default_category" yaml:"default_category"`

	// CCEmails maps a category key (decimal index) to its recipient. The
	// address is both the forward destination and its Cc.
	CCEmails map[string]string `mapstructure:"cc_emails" yaml:"cc_emails"`

	AckBody string `mapstructure:"ack_body" yaml:"ack_body"`

	PollIntervalSec     int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	IMAPTimeoutSec      int `mapstructure:"imap_timeout_sec" yaml:"imap_timeout_sec"`
	SMTPTimeoutSec      int `mapstructure:"smtp_timeout_sec" yaml:"smtp_timeout_sec"`
	ConnectRetries      int `mapstructure:"connect_retries" yaml:"connect_retries"`
	LivenessIntervalSec int `mapstructure:"liveness_interval_sec" yaml:"liveness_interval_sec"`

	JournalPath string `mapstructure:"journal_path" yaml:"journal_path"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string `mapstructure:"log_format" yaml:"log_format"`
}

// DefaultConfigPath returns the config file path, taken from TRIAGE_CONFIG
// and falling back to config.yaml in the working directory.
func DefaultConfigPath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// defaults lists every recognised key with its default value. Keys with a
// nil default are still registered so environment overrides apply to them.
var defaults = []struct {
	key   string
	value any
}{
	{"imap_server", nil},
	{"imap_port", 993},
	{"imap_starttls", false},
	{"smtp_server", nil},
	{"smtp_port", 465},
	{"smtp_starttls", false},
	{"email_account", nil},
	{"email_password", nil},
	{"api_url", nil},
	{"api_key", nil},
	{"api_model", "THUDM/glm-4-9b-chat"},
	{"api_temperature", 0.7},
	{"api_top_p", 0.7},
	{"api_max_tokens", 200},
	{"api_timeout_sec", 30},
	{"api_retries", 1},
	{"departments", []string{"product", "sales", "engineering", "marketing", "other"}},
	{"default_category", 3},
	{"ack_body", DefaultAckBody},
	{"poll_interval_sec", 30},
	{"imap_timeout_sec", 60},
	{"smtp_timeout_sec", 30},
	{"connect_retries", 5},
	{"liveness_interval_sec", 30},
	{"journal_path", ":memory:"},
	{"metrics_addr", ""},
	{"log_level", "info"},
	{"log_format", "text"},
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A missing file is not an error: defaults and TRIAGE_* environment
// variables are used instead. The result is not validated; call Validate
// once secrets are resolved.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, d := range defaults {
		if d.value != nil {
			v.SetDefault(d.key, d.value)
		}
		if err := v.BindEnv(d.key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", d.key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// YAML allows unquoted integer keys; normalise them to strings.
	cfg.CCEmails = v.GetStringMapString("cc_emails")

	return cfg, nil
}

// ResolveSecrets fills an empty password or API key from lookup (normally
// the system keyring). Lookup failures leave the field empty so Validate
// reports the missing value.
func (c *Config) ResolveSecrets(lookup func(key string) (string, error)) {
	if lookup == nil {
		return
	}
	if c.EmailPassword == "" {
		if s, err := lookup("email_password"); err == nil {
			c.EmailPassword = s
		}
	}
	if c.APIKey == "" {
		if s, err := lookup("api_key"); err == nil {
			c.APIKey = s
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	required := map[string]string{
		"imap_server":    c.IMAPServer,
		"smtp_server":    c.SMTPServer,
		"email_account":  c.EmailAccount,
		"email_password": c.EmailPassword,
		"api_url":        c.APIURL,
		"api_key":        c.APIKey,
	}
	for _, key := range []string{
		"imap_server", "smtp_server", "email_account",
		"email_password", "api_url", "api_key",
	} {
		if strings.TrimSpace(required[key]) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	if c.IMAPPort <= 0 || c.IMAPPort > 65535 {
		errs = append(errs, fmt.Errorf("imap_port %d out of range", c.IMAPPort))
	}
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("smtp_port %d out of range", c.SMTPPort))
	}

	if len(c.Departments) == 0 {
		errs = append(errs, errors.New("departments must not be empty"))
	} else if c.DefaultCategory < 0 || c.DefaultCategory >= len(c.Departments) {
		errs = append(errs, fmt.Errorf(
			"default_category %d outside departments 0-%d",
			c.DefaultCategory, len(c.Departments)-1,
		))
	}

	for key := range c.CCEmails {
		if _, err := strconv.Atoi(key); err != nil {
			errs = append(errs, fmt.Errorf("cc_emails key %q is not a category index", key))
		}
	}

	for name, sec := range map[string]int{
		"poll_interval_sec":     c.PollIntervalSec,
		"api_timeout_sec":       c.APITimeoutSec,
		"imap_timeout_sec":      c.IMAPTimeoutSec,
		"smtp_timeout_sec":      c.SMTPTimeoutSec,
		"liveness_interval_sec": c.LivenessIntervalSec,
	} {
		if sec <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.APIRetries < 0 || c.ConnectRetries < 0 {
		errs = append(errs, errors.New("retry counts must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// PollInterval is the delay between cycles.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// APITimeout bounds one classification, retries included.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutSec) * time.Second
}

// IMAPTimeout bounds each mailbox command.
func (c *Config) IMAPTimeout() time.Duration {
	return time.Duration(c.IMAPTimeoutSec) * time.Second
}

// SMTPTimeout bounds one outbound send.
func (c *Config) SMTPTimeout() time.Duration {
	return time.Duration(c.SMTPTimeoutSec) * time.Second
}

// LivenessInterval is how often the foreground logs that the agent is alive.
func (c *Config) LivenessInterval() time.Duration {
	return time.Duration(c.LivenessIntervalSec) * time.Second
}

// Recipient returns the address configured for category key, if any.
func (c *Config) Recipient(key string) (string, bool) {
	addr, ok := c.CCEmails[key]
	if !ok || strings.TrimSpace(addr) == "" {
		return "", false
	}
	return addr, true
}

// DepartmentName returns the configured name of category, or its key when
// the index is outside the department list.
func (c *Config) DepartmentName(category Category) string {
	if int(category) >= 0 && int(category) < len(c.Departments) {
		return c.Departments[category]
	}
	return category.Key()
}
