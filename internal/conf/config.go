package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/adrsu/gmail-clone/internal/blobstorage"
)

// Authentication modes. Permissive accepts any credentials and is meant
// for local development only.
const (
	AuthModeStrict     = "strict"
	AuthModePermissive = "permissive"
)

// Config holds the mail server configuration
type Config struct {
	Domain      string             `yaml:"domain"`
	Auth        AuthConfig         `yaml:"auth"`
	SMTP        SMTPConfig         `yaml:"smtp"`
	IMAP        IMAPConfig         `yaml:"imap"`
	TLS         TLSConfig          `yaml:"tls"`
	Timeouts    TimeoutConfig      `yaml:"timeouts"`
	BlobStorage blobstorage.Config `yaml:"blob_storage"`
}

// AuthConfig selects the authentication posture
type AuthConfig struct {
	Mode      string `yaml:"mode"`       // strict or permissive
	ServerURL string `yaml:"server_url"` // credential service endpoint (strict mode)
	JWTSecret string `yaml:"jwt_secret"` // verifies tokens issued by the credential service
}

// SMTPConfig holds SMTP receiver configuration
type SMTPConfig struct {
	Listen        string `yaml:"listen"`
	TLSListen     string `yaml:"tls_listen"`
	Hostname      string `yaml:"hostname"`
	MaxSize       int64  `yaml:"max_size"`       // Maximum message size in bytes
	MaxRecipients int    `yaml:"max_recipients"` // Maximum recipients per transaction
}

// IMAPConfig holds IMAP server configuration
type IMAPConfig struct {
	Listen    string `yaml:"listen"`
	TLSListen string `yaml:"tls_listen"`
}

// TLSConfig holds certificate paths for the encrypted listeners
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TimeoutConfig holds session timeouts in seconds
type TimeoutConfig struct {
	Idle          int `yaml:"idle"`           // idle-read timeout between commands
	Data          int `yaml:"data"`           // DATA phase and large transfers
	ShutdownGrace int `yaml:"shutdown_grace"` // grace period before force-closing sessions
}

// IdleTimeout returns the idle-read timeout as a duration
func (t TimeoutConfig) IdleTimeout() time.Duration {
	return time.Duration(t.Idle) * time.Second
}

// DataTimeout returns the DATA phase timeout as a duration
func (t TimeoutConfig) DataTimeout() time.Duration {
	return time.Duration(t.Data) * time.Second
}

// GracePeriod returns the shutdown grace period as a duration
func (t TimeoutConfig) GracePeriod() time.Duration {
	return time.Duration(t.ShutdownGrace) * time.Second
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Domain: "localhost",
		Auth: AuthConfig{
			Mode: AuthModePermissive,
		},
		SMTP: SMTPConfig{
			Listen:        "0.0.0.0:25",
			Hostname:      "localhost",
			MaxSize:       26214400, // 25MB
			MaxRecipients: 100,
		},
		IMAP: IMAPConfig{
			Listen: "0.0.0.0:143",
		},
		Timeouts: TimeoutConfig{
			Idle:          300, // 5 minutes
			Data:          600, // 10 minutes
			ShutdownGrace: 15,
		},
	}
}

// LoadConfig loads configuration from a YAML file. An empty path tries a
// list of well-known locations.
func LoadConfig(path string) (*Config, error) {
	paths := []string{path}
	if path == "" {
		paths = []string{
			"/etc/mailserver/mailserver.yaml",
			"./config/mailserver.yaml",
			"./mailserver.yaml",
		}
	}

	var data []byte
	var err error
	for _, p := range paths {
		data, err = os.ReadFile(filepath.Clean(p))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}

	switch c.Auth.Mode {
	case AuthModeStrict:
		if c.Auth.ServerURL == "" {
			return fmt.Errorf("auth.server_url is required in strict mode")
		}
	case AuthModePermissive:
		// Nothing to check; any credentials are accepted.
	default:
		return fmt.Errorf("invalid auth mode: %s", c.Auth.Mode)
	}

	if c.SMTP.Listen == "" && c.SMTP.TLSListen == "" {
		return fmt.Errorf("at least one of smtp.listen or smtp.tls_listen must be specified")
	}

	if c.IMAP.Listen == "" && c.IMAP.TLSListen == "" {
		return fmt.Errorf("at least one of imap.listen or imap.tls_listen must be specified")
	}

	if c.SMTP.MaxSize <= 0 {
		return fmt.Errorf("smtp.max_size must be positive")
	}

	if c.SMTP.MaxRecipients <= 0 {
		return fmt.Errorf("smtp.max_recipients must be positive")
	}

	if (c.SMTP.TLSListen != "" || c.IMAP.TLSListen != "") &&
		(c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file are required for TLS listeners")
	}

	if c.Timeouts.Idle <= 0 || c.Timeouts.Data <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	if c.Timeouts.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown_grace cannot be negative")
	}

	return nil
}
