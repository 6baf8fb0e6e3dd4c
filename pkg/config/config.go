package config

import (
	"crypto/rsa"
	"time"

	"github.com/ajitpratap0/snowstream/pkg/logger"
)

// ClientConfig is the single profile structure for a streaming client. Field
// names match the profile JSON accepted by other streaming SDKs so existing
// profiles load unchanged.
type ClientConfig struct {
	// Account identifier, e.g. "myorg-myaccount" or "xy12345.us-east-1"
	Account string `yaml:"account" json:"account" mapstructure:"account"`
	// User is the login user that owns the registered public key
	User string `yaml:"user" json:"user" mapstructure:"user"`
	// Login overrides User in the JWT subject when the login name differs
	Login string `yaml:"login" json:"login" mapstructure:"login"`
	// URL is the control-plane base URL; the scheme defaults to https
	URL string `yaml:"url" json:"url" mapstructure:"url"`

	Database string `yaml:"database" json:"database" mapstructure:"database"`
	Schema   string `yaml:"schema" json:"schema" mapstructure:"schema"`
	Pipe     string `yaml:"pipe" json:"pipe" mapstructure:"pipe"`

	// PrivateKey holds inline PEM; PrivateKeyPath points at a PEM file
	PrivateKey           string `yaml:"private_key" json:"private_key" mapstructure:"private_key"`
	PrivateKeyPath       string `yaml:"private_key_path" json:"private_key_path" mapstructure:"private_key_path"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase" json:"private_key_passphrase" mapstructure:"private_key_passphrase"`
	// PublicKeyFP overrides the computed "SHA256:..." fingerprint
	PublicKeyFP string `yaml:"public_key_fp" json:"public_key_fp" mapstructure:"public_key_fp"`

	// JWTToken is a precomputed token. Deprecated: configure key material instead.
	JWTToken string `yaml:"jwt_token" json:"jwt_token" mapstructure:"jwt_token"`
	// JWTExpSecs is the requested token lifetime, clamped to [30, 3600]
	JWTExpSecs int `yaml:"jwt_exp_secs" json:"jwt_exp_secs" mapstructure:"jwt_exp_secs"`
	// JWTRefreshMarginSecs is the proactive refresh lead time; 0 derives one from the lifetime
	JWTRefreshMarginSecs int `yaml:"jwt_refresh_margin_secs" json:"jwt_refresh_margin_secs" mapstructure:"jwt_refresh_margin_secs"`
	// RetryOnUnauthorized enables the refresh-and-retry-once path for 401s (default true)
	RetryOnUnauthorized *bool  `yaml:"retry_on_unauthorized" json:"retry_on_unauthorized" mapstructure:"retry_on_unauthorized"`
	Audience            string `yaml:"audience" json:"audience" mapstructure:"audience"`
	// ScopedToken exchanges the JWT for an OAuth token scoped to the ingest host
	ScopedToken bool `yaml:"scoped_token" json:"scoped_token" mapstructure:"scoped_token"`
	// DSN is a Snowflake Go-driver DSN that fills account, user, url and key when they are empty
	DSN string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`

	Retry   RetryConfig   `yaml:"retry" json:"retry" mapstructure:"retry"`
	HTTP    HTTPConfig    `yaml:"http" json:"http" mapstructure:"http"`
	Channel ChannelConfig `yaml:"channel" json:"channel" mapstructure:"channel"`
	Log     logger.Config `yaml:"log" json:"log" mapstructure:"log"`

	// dsnKey is the key carried by DSN, if any
	dsnKey *rsa.PrivateKey
}

// RetryConfig mirrors retry.Plan in profile form
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay" mapstructure:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier" mapstructure:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay" mapstructure:"max_delay"`
	// Jitter selects "full" or "decorrelated"
	Jitter              string        `yaml:"jitter" json:"jitter" mapstructure:"jitter"`
	RateLimitDelay      time.Duration `yaml:"rate_limit_delay" json:"rate_limit_delay" mapstructure:"rate_limit_delay"`
	RateLimitJitter     time.Duration `yaml:"rate_limit_jitter" json:"rate_limit_jitter" mapstructure:"rate_limit_jitter"`
	MaxRateLimitRetries int           `yaml:"max_rate_limit_retries" json:"max_rate_limit_retries" mapstructure:"max_rate_limit_retries"`
}

// HTTPConfig contains transport settings
type HTTPConfig struct {
	Timeout         time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" mapstructure:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout" json:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	EnableHTTP2     bool          `yaml:"enable_http2" json:"enable_http2" mapstructure:"enable_http2"`
	// RateLimitPerSec limits outbound requests per second (0 = unlimited)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" json:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	// Compression encodes append bodies: "", "none", "gzip" or "zstd"
	Compression string `yaml:"compression" json:"compression" mapstructure:"compression"`
	UserAgent   string `yaml:"user_agent" json:"user_agent" mapstructure:"user_agent"`
}

// ChannelConfig contains channel close settings
type ChannelConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" mapstructure:"poll_interval"`
	CloseTimeout time.Duration `yaml:"close_timeout" json:"close_timeout" mapstructure:"close_timeout"`
	WarnInterval time.Duration `yaml:"warn_interval" json:"warn_interval" mapstructure:"warn_interval"`
}

// Defaults shared with the packages that consume the profile.
const (
	DefaultJWTExpSecs          = 3600
	DefaultMaxAttempts         = 4
	DefaultInitialDelay        = 200 * time.Millisecond
	DefaultMultiplier          = 1.8
	DefaultMaxDelay            = 5 * time.Second
	DefaultJitter              = "full"
	DefaultRateLimitDelay      = 2 * time.Second
	DefaultMaxRateLimitRetries = 1
	DefaultHTTPTimeout         = 60 * time.Second
	DefaultPollInterval        = time.Second
	DefaultCloseTimeout        = 5 * time.Minute
	DefaultWarnInterval        = time.Minute
	DefaultUserAgent           = "snowstream-go/0.1.0"
)

// ApplyDefaults fills zero values with production defaults. It is idempotent.
func (c *ClientConfig) ApplyDefaults() {
	if c.JWTExpSecs == 0 {
		c.JWTExpSecs = DefaultJWTExpSecs
	}
	if c.RetryOnUnauthorized == nil {
		t := true
		c.RetryOnUnauthorized = &t
	}

	r := &c.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = DefaultInitialDelay
	}
	if r.Multiplier == 0 {
		r.Multiplier = DefaultMultiplier
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = DefaultMaxDelay
	}
	if r.Jitter == "" {
		r.Jitter = DefaultJitter
	}
	if r.RateLimitDelay == 0 {
		r.RateLimitDelay = DefaultRateLimitDelay
	}
	if r.MaxRateLimitRetries == 0 {
		r.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}

	h := &c.HTTP
	if h.Timeout == 0 {
		h.Timeout = DefaultHTTPTimeout
	}
	if h.MaxIdleConns == 0 {
		h.MaxIdleConns = 100
	}
	if h.IdleConnTimeout == 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.UserAgent == "" {
		h.UserAgent = DefaultUserAgent
	}

	ch := &c.Channel
	if ch.PollInterval == 0 {
		ch.PollInterval = DefaultPollInterval
	}
	if ch.CloseTimeout == 0 {
		ch.CloseTimeout = DefaultCloseTimeout
	}
	if ch.WarnInterval == 0 {
		ch.WarnInterval = DefaultWarnInterval
	}
}

// RetriesUnauthorized reports the effective retry_on_unauthorized setting
func (c *ClientConfig) RetriesUnauthorized() bool {
	return c.RetryOnUnauthorized == nil || *c.RetryOnUnauthorized
}

// UsesPrecomputedToken reports whether the deprecated jwt_token path is selected
func (c *ClientConfig) UsesPrecomputedToken() bool {
	return c.JWTToken != ""
}

// SubjectUser returns the login override when set, otherwise the user
func (c *ClientConfig) SubjectUser() string {
	if c.Login != "" {
		return c.Login
	}
	return c.User
}

// JWTLifetime returns the requested (unclamped) token lifetime
func (c *ClientConfig) JWTLifetime() time.Duration {
	return time.Duration(c.JWTExpSecs) * time.Second
}

// RefreshMargin returns the configured margin, or zero when it should be derived
func (c *ClientConfig) RefreshMargin() time.Duration {
	return time.Duration(c.JWTRefreshMarginSecs) * time.Second
}

// DSNKey returns the RSA key carried by the DSN, if one was supplied there
func (c *ClientConfig) DSNKey() *rsa.PrivateKey {
	return c.dsnKey
}
