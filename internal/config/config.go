package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Outbound SSH settings
	KeyPath        string `envconfig:"KEY_PATH" default:"keyfile/NewPem.pem"`
	KnownHosts     string `envconfig:"KNOWN_HOSTS" default:""`
	ConnectTimeout string `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	AllowedTargets string `envconfig:"ALLOWED_TARGETS" default:""`
	DialRateLimit  bool   `envconfig:"DIAL_RATE_LIMIT" default:"false"`

	// Terminal session settings
	IdleTimeout    string   `envconfig:"IDLE_TIMEOUT" default:"0"`
	Term           string   `envconfig:"TERM" default:"xterm-256color"`
	TermCols       int      `envconfig:"TERM_COLS" default:"80"`
	TermRows       int      `envconfig:"TERM_ROWS" default:"24"`
	OutputFrame    string   `envconfig:"OUTPUT_FRAME" default:"text"`
	ClosedNotice   string   `envconfig:"CLOSED_NOTICE" default:""`
	MaxMessageSize int64    `envconfig:"MAX_MESSAGE_SIZE" default:"1048576"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`

	LogPath string `envconfig:"LOG_PATH" default:""`

	// Audit trail settings
	AuditDBPath        string `envconfig:"AUDIT_DB_PATH" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`

	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`

	// APIToken enables the session and audit APIs behind a bearer token.
	// Empty leaves them unmounted.
	APIToken string `envconfig:"API_TOKEN" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHBRIDGE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// Validate checks the settings that envconfig cannot type-check on its own.
func (s Settings) Validate() error {
	if _, err := s.ConnectTimeoutDuration(); err != nil {
		return err
	}
	if _, err := s.IdleTimeoutDuration(); err != nil {
		return err
	}
	switch strings.ToLower(s.OutputFrame) {
	case "binary", "text":
	default:
		return fmt.Errorf("SSHBRIDGE_OUTPUT_FRAME must be \"binary\" or \"text\", got %q", s.OutputFrame)
	}
	if s.TermCols <= 0 || s.TermRows <= 0 {
		return fmt.Errorf("terminal size must be positive, got %dx%d", s.TermCols, s.TermRows)
	}
	return nil
}

// ConnectTimeoutDuration bounds the dial, authentication and shell request
// of a single session.
func (s Settings) ConnectTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.ConnectTimeout)
	if err != nil {
		return 0, fmt.Errorf("parse SSHBRIDGE_CONNECT_TIMEOUT %q: %w", s.ConnectTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("SSHBRIDGE_CONNECT_TIMEOUT must be positive, got %s", d)
	}
	return d, nil
}

// IdleTimeoutDuration returns zero when idle sessions are never closed.
func (s Settings) IdleTimeoutDuration() (time.Duration, error) {
	if s.IdleTimeout == "" || s.IdleTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("parse SSHBRIDGE_IDLE_TIMEOUT %q: %w", s.IdleTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("SSHBRIDGE_IDLE_TIMEOUT must not be negative, got %s", d)
	}
	return d, nil
}

// TextFrames reports whether shell output is sent as WebSocket text frames.
func (s Settings) TextFrames() bool {
	return strings.EqualFold(s.OutputFrame, "text")
}
