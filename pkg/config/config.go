package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every environment override,
	// e.g. GENOMEWIZ_AUTH_JWT_SECRET.
	EnvPrefix = "GENOMEWIZ"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSessionTTL is the default lifetime of a browser session.
	DefaultSessionTTL = "168h"

	// DefaultSessionCookie is the default session cookie name.
	DefaultSessionCookie = "genomewiz_session"

	// DefaultProviderTimeout bounds each round-trip to the identity provider.
	DefaultProviderTimeout = "10s"

	// DefaultCallbackURL is the default OAuth callback.
	DefaultCallbackURL = "http://localhost:8080/auth/callback"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "genomewiz.db"

	defaultAuthRequestsPerMinute          = 30
	defaultAuthenticatedRequestsPerMinute = 600
)

// Config is the root configuration for genomewiz.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// GlobalConfig contains process-wide settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Metrics     bool            `yaml:"metrics" mapstructure:"metrics"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	Auth          RateLimitTier `yaml:"auth,omitempty" mapstructure:"auth"`
	Authenticated RateLimitTier `yaml:"authenticated,omitempty" mapstructure:"authenticated"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AuthConfig contains credential, session and OAuth settings.
type AuthConfig struct {
	JWTSecret         Secret `yaml:"jwt_secret,omitempty" mapstructure:"jwt_secret"`
	JWTSecretFile     string `yaml:"jwt_secret_file,omitempty" mapstructure:"jwt_secret_file"`
	SessionSecret     Secret `yaml:"session_secret,omitempty" mapstructure:"session_secret"`
	SessionSecretFile string `yaml:"session_secret_file,omitempty" mapstructure:"session_secret_file"`
	SessionTTL        string `yaml:"session_ttl" mapstructure:"session_ttl"`
	SessionCookie     string `yaml:"session_cookie" mapstructure:"session_cookie"`

	// AllowedDomain restricts OAuth logins to emails ending in @AllowedDomain.
	AllowedDomain string `yaml:"allowed_domain,omitempty" mapstructure:"allowed_domain"`

	// ReconcileCredentialRoles grants roles named in a bearer credential's
	// snapshot that the role store does not yet hold for the subject.
	ReconcileCredentialRoles bool `yaml:"reconcile_credential_roles" mapstructure:"reconcile_credential_roles"`

	Google GoogleAuthConfig `yaml:"google" mapstructure:"google"`
}

// GoogleAuthConfig configures Google OAuth authentication.
type GoogleAuthConfig struct {
	Enabled          bool   `yaml:"enabled" mapstructure:"enabled"`
	ClientID         string `yaml:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret     Secret `yaml:"client_secret,omitempty" mapstructure:"client_secret"`
	ClientSecretFile string `yaml:"client_secret_file,omitempty" mapstructure:"client_secret_file"`
	CallbackURL      string `yaml:"callback_url" mapstructure:"callback_url"`
	ProviderTimeout  string `yaml:"provider_timeout" mapstructure:"provider_timeout"`

	// Endpoint overrides, for testing against a stand-in provider.
	AuthURL     string `yaml:"auth_url,omitempty" mapstructure:"auth_url"`
	TokenURL    string `yaml:"token_url,omitempty" mapstructure:"token_url"`
	UserInfoURL string `yaml:"userinfo_url,omitempty" mapstructure:"userinfo_url"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string `yaml:"host" mapstructure:"host"`
	Port         int    `yaml:"port" mapstructure:"port"`
	User         string `yaml:"user" mapstructure:"user"`
	Password     Secret `yaml:"password,omitempty" mapstructure:"password"`
	PasswordFile string `yaml:"password_file,omitempty" mapstructure:"password_file"`
	Database     string `yaml:"database" mapstructure:"database"`
	SSLMode      string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// Load reads and merges the given YAML files in order, applies environment
// overrides and defaults, and resolves file-backed secrets.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// Viper only consults the environment for keys it already knows about,
	// so register every key of the schema.
	if err := bindEnvs(v, reflect.TypeOf(Config{}), ""); err != nil {
		return nil, fmt.Errorf("binding env overrides: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			continue
		}

		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		if field.Type.Kind() == reflect.Struct {
			if err := bindEnvs(v, field.Type, key); err != nil {
				return err
			}

			continue
		}

		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	return nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.Auth.RequestsPerMinute == 0 {
		c.Server.RateLimit.Auth.RequestsPerMinute = defaultAuthRequestsPerMinute
	}

	if c.Server.RateLimit.Authenticated.RequestsPerMinute == 0 {
		c.Server.RateLimit.Authenticated.RequestsPerMinute = defaultAuthenticatedRequestsPerMinute
	}

	if c.Auth.SessionTTL == "" {
		c.Auth.SessionTTL = DefaultSessionTTL
	}

	if c.Auth.SessionCookie == "" {
		c.Auth.SessionCookie = DefaultSessionCookie
	}

	c.Auth.AllowedDomain = strings.TrimPrefix(strings.TrimSpace(c.Auth.AllowedDomain), "@")

	if c.Auth.Google.CallbackURL == "" {
		c.Auth.Google.CallbackURL = DefaultCallbackURL
	}

	if c.Auth.Google.ProviderTimeout == "" {
		c.Auth.Google.ProviderTimeout = DefaultProviderTimeout
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "prefer"
	}
}

func (c *Config) resolveSecrets() error {
	secrets := []struct {
		name  string
		value *Secret
		file  string
	}{
		{"auth.jwt_secret", &c.Auth.JWTSecret, c.Auth.JWTSecretFile},
		{"auth.session_secret", &c.Auth.SessionSecret, c.Auth.SessionSecretFile},
		{"auth.google.client_secret", &c.Auth.Google.ClientSecret, c.Auth.Google.ClientSecretFile},
		{"database.postgres.password", &c.Database.Postgres.Password, c.Database.Postgres.PasswordFile},
	}

	for _, s := range secrets {
		resolved, err := ResolveSecret(*s.value, s.file)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", s.name, err)
		}

		*s.value = resolved
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("global.log_level: %w", err)
	}

	if c.Auth.JWTSecret.Empty() {
		return fmt.Errorf("auth.jwt_secret (or auth.jwt_secret_file) is required")
	}

	if c.Auth.SessionSecret.Empty() {
		return fmt.Errorf("auth.session_secret (or auth.session_secret_file) is required")
	}

	if ttl, err := time.ParseDuration(c.Auth.SessionTTL); err != nil || ttl <= 0 {
		return fmt.Errorf("auth.session_ttl: invalid duration %q", c.Auth.SessionTTL)
	}

	if strings.Contains(c.Auth.AllowedDomain, "@") {
		return fmt.Errorf("auth.allowed_domain: %q is not a domain", c.Auth.AllowedDomain)
	}

	if c.Auth.Google.Enabled {
		if c.Auth.Google.ClientID == "" {
			return fmt.Errorf("auth.google.client_id is required when google auth is enabled")
		}

		if c.Auth.Google.ClientSecret.Empty() {
			return fmt.Errorf("auth.google.client_secret is required when google auth is enabled")
		}

		if d, err := time.ParseDuration(c.Auth.Google.ProviderTimeout); err != nil || d <= 0 {
			return fmt.Errorf(
				"auth.google.provider_timeout: invalid duration %q",
				c.Auth.Google.ProviderTimeout,
			)
		}
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Auth.RequestsPerMinute < 0 ||
			c.Server.RateLimit.Authenticated.RequestsPerMinute < 0 {
			return fmt.Errorf("server.rate_limit: requests_per_minute must be positive")
		}
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres: host and database are required")
		}
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}

	return nil
}

// SessionTTLDuration returns the parsed session lifetime.
func (c *AuthConfig) SessionTTLDuration() time.Duration {
	d, err := time.ParseDuration(c.SessionTTL)
	if err != nil {
		d, _ = time.ParseDuration(DefaultSessionTTL)
	}

	return d
}

// ProviderTimeoutDuration returns the parsed provider round-trip timeout.
func (c *GoogleAuthConfig) ProviderTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.ProviderTimeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultProviderTimeout)
	}

	return d
}
