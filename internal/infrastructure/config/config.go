package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Coffer.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Tokens       TokensConfig       `yaml:"tokens"`
	SecondFactor SecondFactorConfig `yaml:"second_factor"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	Mail         MailConfig         `yaml:"mail"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig contains HTTP API server settings.
type ServerConfig struct {
	Host     string              `yaml:"host"`
	Port     int                 `yaml:"port"`
	TLS      TLSConfig           `yaml:"tls"`
	Timeouts ServerTimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig          `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ServerTimeoutConfig contains HTTP timeout settings in seconds.
type ServerTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// TokensConfig contains access/refresh token settings.
//
// Access tokens are signed with the RSA key pair referenced here. The key
// files are provisioned by an external bootstrap step — Coffer only loads
// them and refuses to start if they are missing or malformed.
type TokensConfig struct {
	PrivateKeyFile  string `yaml:"private_key_file"`
	PublicKeyFile   string `yaml:"public_key_file"`
	AccessTokenTTL  int    `yaml:"access_token_ttl"`  // minutes
	RefreshTokenTTL int    `yaml:"refresh_token_ttl"` // minutes
}

// SecondFactorConfig controls which second-factor providers are enabled
// for this deployment and their provider-specific settings.
type SecondFactorConfig struct {
	MaxFailures  int            `yaml:"max_failures"`
	ChallengeTTL int            `yaml:"challenge_ttl"` // seconds
	TOTP         TOTPConfig     `yaml:"totp"`
	WebAuthn     WebAuthnConfig `yaml:"webauthn"`
	Email        EmailOTPConfig `yaml:"email"`
	Push         PushConfig     `yaml:"push"`
}

// TOTPConfig contains time-based one-time code settings.
type TOTPConfig struct {
	Enabled bool `yaml:"enabled"`
	// Skew is how many 30-second periods either side of now are accepted.
	Skew int `yaml:"skew"`
}

// WebAuthnConfig contains hardware-key assertion settings.
type WebAuthnConfig struct {
	Enabled bool   `yaml:"enabled"`
	RPID    string `yaml:"rp_id"`
	RPName  string `yaml:"rp_name"`
	Origin  string `yaml:"origin"`
}

// EmailOTPConfig contains emailed one-time code settings.
type EmailOTPConfig struct {
	Enabled bool `yaml:"enabled"`
	CodeTTL int  `yaml:"code_ttl"` // seconds
}

// PushConfig contains external push-approval service settings.
type PushConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Timeout int    `yaml:"timeout"` // seconds
}

// WebSocketConfig contains live-update channel settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"` // seconds
	PongTimeout    int `yaml:"pong_timeout"`  // seconds
}

// MailConfig contains outbound SMTP settings for second-factor emails
// and organization invitations.
type MailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// RateLimitConfig contains login throttling settings.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	AttemptsPerMin int  `yaml:"attempts_per_minute"`
	Burst          int  `yaml:"burst"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: COFFER_SECTION_KEY
// For example: COFFER_DATABASE_PATH, COFFER_SERVER_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8087,
			Timeouts: ServerTimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/coffer.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Tokens: TokensConfig{
			PrivateKeyFile:  "./data/rsa_key.pem",
			PublicKeyFile:   "./data/rsa_key.pub.pem",
			AccessTokenTTL:  120,
			RefreshTokenTTL: 30 * 24 * 60,
		},
		SecondFactor: SecondFactorConfig{
			MaxFailures:  5,
			ChallengeTTL: 120,
			TOTP: TOTPConfig{
				Enabled: true,
				Skew:    1,
			},
			WebAuthn: WebAuthnConfig{
				RPName: "Coffer",
			},
			Email: EmailOTPConfig{
				CodeTTL: 300,
			},
			Push: PushConfig{
				Timeout: 30,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			AttemptsPerMin: 10,
			Burst:          5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: COFFER_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COFFER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("COFFER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("COFFER_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("COFFER_TOKENS_PRIVATE_KEY_FILE"); v != "" {
		cfg.Tokens.PrivateKeyFile = v
	}
	if v := os.Getenv("COFFER_TOKENS_PUBLIC_KEY_FILE"); v != "" {
		cfg.Tokens.PublicKeyFile = v
	}
	if v := os.Getenv("COFFER_MAIL_USERNAME"); v != "" {
		cfg.Mail.Username = v
	}
	if v := os.Getenv("COFFER_MAIL_PASSWORD"); v != "" {
		cfg.Mail.Password = v
	}
	if v := os.Getenv("COFFER_WEBAUTHN_RP_ID"); v != "" {
		cfg.SecondFactor.WebAuthn.RPID = v
	}
	if v := os.Getenv("COFFER_WEBAUTHN_ORIGIN"); v != "" {
		cfg.SecondFactor.WebAuthn.Origin = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Signing keys are required — without them no token can be minted or
	// verified, and the server is useless.
	if c.Tokens.PrivateKeyFile == "" {
		errs = append(errs, "tokens.private_key_file is required")
	}
	if c.Tokens.PublicKeyFile == "" {
		errs = append(errs, "tokens.public_key_file is required")
	}
	if c.Tokens.AccessTokenTTL <= 0 {
		errs = append(errs, "tokens.access_token_ttl must be positive")
	}
	if c.Tokens.RefreshTokenTTL <= 0 {
		errs = append(errs, "tokens.refresh_token_ttl must be positive")
	}

	if c.SecondFactor.WebAuthn.Enabled {
		if c.SecondFactor.WebAuthn.RPID == "" {
			errs = append(errs, "second_factor.webauthn.rp_id is required when webauthn is enabled")
		}
		if c.SecondFactor.WebAuthn.Origin == "" {
			errs = append(errs, "second_factor.webauthn.origin is required when webauthn is enabled")
		}
	}
	if c.SecondFactor.Email.Enabled && !c.Mail.Enabled {
		errs = append(errs, "second_factor.email requires mail to be enabled")
	}
	if c.SecondFactor.Push.Enabled && c.SecondFactor.Push.URL == "" {
		errs = append(errs, "second_factor.push.url is required when push is enabled")
	}

	if c.Mail.Enabled {
		if c.Mail.Host == "" {
			errs = append(errs, "mail.host is required when mail is enabled")
		}
		if c.Mail.From == "" {
			errs = append(errs, "mail.from is required when mail is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// AccessTokenTTL returns the access token lifetime as a Duration.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.Tokens.AccessTokenTTL) * time.Minute
}

// RefreshTokenTTL returns the refresh token lifetime as a Duration.
func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.Tokens.RefreshTokenTTL) * time.Minute
}

// ChallengeTTL returns the second-factor challenge lifetime as a Duration.
func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.SecondFactor.ChallengeTTL) * time.Second
}

// GetReadTimeout returns the server read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the server write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the server idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Idle) * time.Second
}
