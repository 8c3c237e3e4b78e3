package config

import (
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/pevans/pagewatch/notify"
	"github.com/pevans/pagewatch/retry"
	"github.com/pevans/pagewatch/scraper"
	"gopkg.in/yaml.v3"
)

// Defaults for optional settings.
const (
	DefaultStateFile        = "last_value.txt"
	DefaultSMTPHost         = "smtp.gmail.com"
	DefaultSMTPPort         = 587
	DefaultFetchMaxAttempts = 3
	DefaultFetchTimeout     = Seconds(30)

	// Upper bounds keep periods within time.Duration.
	MaxPeriod       = Minutes(60 * 24 * 365)
	MaxFetchTimeout = Seconds(60 * 60)
)

// Minutes is a period expressed in (possibly fractional) minutes.
type Minutes float64

// Duration converts m to a time.Duration.
func (m Minutes) Duration() time.Duration {
	return time.Duration(float64(m) * float64(time.Minute))
}

// Seconds is a period expressed in (possibly fractional) seconds.
type Seconds float64

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// StringList accepts either a single YAML string or a sequence of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = StringList(items)
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
}

// Settings is the monitor configuration, read once at startup. Key names
// follow the deployment's settings.yaml, spaces included.
type Settings struct {
	URL                     string     `yaml:"url"`
	CheckPeriod             Minutes    `yaml:"check period"`
	AccessRetryPeriod       Minutes    `yaml:"access retry period"`
	NotificationRetryPeriod Minutes    `yaml:"notification retry period"`
	NotificationMaxRetries  int        `yaml:"notification max retries"`
	EmailSubject            string     `yaml:"email subject"`
	Message                 string     `yaml:"message"`
	EmailRecipients         StringList `yaml:"email recipients"`
	SenderEmail             string     `yaml:"sender email"`
	SenderPassword          string     `yaml:"sender password"`
	DebuggingLogs           bool       `yaml:"debugging logs"`

	// Optional.
	Anchor           string  `yaml:"anchor"`
	StateFile        string  `yaml:"state file"`
	SMTPHost         string  `yaml:"smtp host"`
	SMTPPort         int     `yaml:"smtp port"`
	FetchMaxAttempts int     `yaml:"fetch max attempts"`
	FetchTimeout     Seconds `yaml:"fetch timeout"`
	FetchBackoff     string  `yaml:"fetch backoff"`
}

// requiredKeys must appear in the settings file.
var requiredKeys = []string{
	"url",
	"check period",
	"access retry period",
	"notification retry period",
	"notification max retries",
	"email subject",
	"message",
	"email recipients",
	"sender email",
	"sender password",
	"debugging logs",
}

// ApplyDefaults fills optional settings that were left unset.
func (s *Settings) ApplyDefaults() {
	if s.Anchor == "" {
		s.Anchor = scraper.DefaultAnchor
	}
	if s.StateFile == "" {
		s.StateFile = DefaultStateFile
	}
	if s.SMTPHost == "" {
		s.SMTPHost = DefaultSMTPHost
	}
	if s.SMTPPort == 0 {
		s.SMTPPort = DefaultSMTPPort
	}
	if s.FetchMaxAttempts == 0 {
		s.FetchMaxAttempts = DefaultFetchMaxAttempts
	}
	if s.FetchTimeout == 0 {
		s.FetchTimeout = DefaultFetchTimeout
	}
	if s.FetchBackoff == "" {
		s.FetchBackoff = string(retry.ModeFixed)
	}
}

// Validate checks value ranges and formats. It returns a *ConfigError listing
// every problem found.
func (s *Settings) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if u, err := url.Parse(s.URL); err != nil || s.URL == "" {
		add("url: must be a valid URL")
	} else if u.Scheme != "http" && u.Scheme != "https" {
		add("url: must use http or https scheme")
	} else if u.Host == "" {
		add("url: missing host")
	}

	if s.CheckPeriod <= 0 {
		add("check period: must be greater than 0")
	} else if s.CheckPeriod > MaxPeriod {
		add("check period: cannot exceed %v minutes", float64(MaxPeriod))
	}
	if s.AccessRetryPeriod <= 0 {
		add("access retry period: must be greater than 0")
	} else if s.AccessRetryPeriod > MaxPeriod {
		add("access retry period: cannot exceed %v minutes", float64(MaxPeriod))
	}
	if s.NotificationRetryPeriod < 0 {
		add("notification retry period: cannot be negative")
	} else if s.NotificationRetryPeriod > MaxPeriod {
		add("notification retry period: cannot exceed %v minutes", float64(MaxPeriod))
	}
	if s.NotificationMaxRetries < 1 {
		add("notification max retries: must be at least 1")
	}

	if strings.TrimSpace(s.Message) == "" {
		add("message: cannot be empty")
	}
	if _, err := s.NotificationTemplate(); err != nil {
		add("message/email subject: %v", err)
	}

	if len(s.EmailRecipients) == 0 {
		add("email recipients: at least one address is required")
	}
	for _, r := range s.EmailRecipients {
		if _, err := mail.ParseAddress(r); err != nil {
			add("email recipients: invalid address %q", r)
		}
	}
	if _, err := mail.ParseAddress(s.SenderEmail); err != nil {
		add("sender email: invalid address %q", s.SenderEmail)
	}
	if s.SenderPassword == "" {
		add("sender password: cannot be empty")
	}

	if s.SMTPPort < 1 || s.SMTPPort > 65535 {
		add("smtp port: must be between 1 and 65535")
	}
	if s.FetchMaxAttempts < 1 {
		add("fetch max attempts: must be at least 1")
	}
	if s.FetchTimeout < 0 {
		add("fetch timeout: cannot be negative")
	} else if s.FetchTimeout > MaxFetchTimeout {
		add("fetch timeout: cannot exceed %v seconds", float64(MaxFetchTimeout))
	}
	if _, err := retry.ParseMode(s.FetchBackoff); err != nil {
		add("fetch backoff: %v", err)
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// NotificationTemplate compiles the subject and message templates and checks
// that they render.
func (s *Settings) NotificationTemplate() (*notify.Template, error) {
	tmpl, err := notify.ParseTemplate(s.EmailSubject, s.Message)
	if err != nil {
		return nil, err
	}
	if _, err := tmpl.Render(notify.TemplateData{Value: "x", CheckedAt: time.Now()}, nil); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// FetchPolicy returns the retry policy for page fetches.
func (s *Settings) FetchPolicy() retry.Policy {
	mode, _ := retry.ParseMode(s.FetchBackoff)
	return retry.Policy{
		MaxAttempts: s.FetchMaxAttempts,
		Initial:     s.AccessRetryPeriod.Duration(),
		Max:         s.CheckPeriod.Duration(),
		Mode:        mode,
	}
}

// NotifyPolicy returns the retry policy for notification delivery.
func (s *Settings) NotifyPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: s.NotificationMaxRetries,
		Initial:     s.NotificationRetryPeriod.Duration(),
		Mode:        retry.ModeFixed,
	}
}

// EmailConfig returns the mail relay configuration. The relay login is the
// bare sender address; a display name is kept only for the From header.
func (s *Settings) EmailConfig() notify.EmailConfig {
	username := s.SenderEmail
	if addr, err := mail.ParseAddress(s.SenderEmail); err == nil {
		username = addr.Address
	}
	return notify.EmailConfig{
		Host:     s.SMTPHost,
		Port:     s.SMTPPort,
		Username: username,
		Password: s.SenderPassword,
		From:     s.SenderEmail,
	}
}

// LogValue implements slog.LogValuer. The sender password is masked.
func (s Settings) LogValue() slog.Value {
	password := ""
	if s.SenderPassword != "" {
		password = "********"
	}
	return slog.GroupValue(
		slog.String("url", s.URL),
		slog.Float64("check_period_min", float64(s.CheckPeriod)),
		slog.Float64("access_retry_period_min", float64(s.AccessRetryPeriod)),
		slog.Float64("notification_retry_period_min", float64(s.NotificationRetryPeriod)),
		slog.Int("notification_max_retries", s.NotificationMaxRetries),
		slog.String("email_subject", s.EmailSubject),
		slog.String("message", s.Message),
		slog.Any("email_recipients", []string(s.EmailRecipients)),
		slog.String("sender_email", s.SenderEmail),
		slog.String("sender_password", password),
		slog.Bool("debugging_logs", s.DebuggingLogs),
		slog.String("anchor", s.Anchor),
		slog.String("state_file", s.StateFile),
		slog.String("smtp_host", s.SMTPHost),
		slog.Int("smtp_port", s.SMTPPort),
		slog.Int("fetch_max_attempts", s.FetchMaxAttempts),
		slog.Float64("fetch_timeout_sec", float64(s.FetchTimeout)),
		slog.String("fetch_backoff", s.FetchBackoff),
	)
}
