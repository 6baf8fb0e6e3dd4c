package config

import (
	"net/url"
	"os"
	"strings"

	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// Validate checks required fields and value ranges. Lifetime clamping and the
// margin-versus-lifetime rule are enforced when the token policy is built, so
// only structurally invalid values are rejected here.
func (c *ClientConfig) Validate() error {
	if c.Account == "" {
		return errors.New(errors.ErrorTypeConfig, "account is required")
	}
	if c.User == "" && c.Login == "" && !c.UsesPrecomputedToken() {
		return errors.New(errors.ErrorTypeConfig, "user is required")
	}
	if _, err := c.ControlURL(); err != nil {
		return err
	}
	if !c.UsesPrecomputedToken() && c.PrivateKey == "" && c.PrivateKeyPath == "" && c.dsnKey == nil {
		return errors.New(errors.ErrorTypeConfig, "one of private_key, private_key_path, dsn key or jwt_token is required")
	}
	if c.PrivateKey != "" && c.PrivateKeyPath != "" {
		return errors.New(errors.ErrorTypeConfig, "private_key and private_key_path are mutually exclusive")
	}
	if c.JWTExpSecs < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "jwt_exp_secs cannot be negative (got %d)", c.JWTExpSecs)
	}
	if c.JWTRefreshMarginSecs < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "jwt_refresh_margin_secs cannot be negative (got %d)", c.JWTRefreshMarginSecs)
	}

	r := c.Retry
	if r.MaxAttempts < 1 {
		return errors.New(errors.ErrorTypeConfig, "retry.max_attempts must be at least 1")
	}
	if r.Multiplier < 1 {
		return errors.New(errors.ErrorTypeConfig, "retry.multiplier must be at least 1")
	}
	if r.InitialDelay < 0 || r.MaxDelay < r.InitialDelay {
		return errors.New(errors.ErrorTypeConfig, "retry.max_delay must be at least retry.initial_delay")
	}
	switch r.Jitter {
	case "full", "decorrelated":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "retry.jitter must be full or decorrelated (got %q)", r.Jitter)
	}
	if r.RateLimitDelay < 0 || r.RateLimitJitter < 0 || r.MaxRateLimitRetries < 0 {
		return errors.New(errors.ErrorTypeConfig, "rate limit settings cannot be negative")
	}

	switch strings.ToLower(c.HTTP.Compression) {
	case "", "none", "gzip", "zstd":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "http.compression must be none, gzip or zstd (got %q)", c.HTTP.Compression)
	}
	if c.HTTP.RateLimitPerSec < 0 {
		return errors.New(errors.ErrorTypeConfig, "http.rate_limit_per_sec cannot be negative")
	}

	if c.Channel.PollInterval <= 0 || c.Channel.CloseTimeout <= 0 || c.Channel.WarnInterval <= 0 {
		return errors.New(errors.ErrorTypeConfig, "channel intervals must be positive")
	}
	return nil
}

// ControlURL returns the normalized control-plane base URL. A missing scheme
// defaults to https, underscores in the host become hyphens and the host is
// lower-cased. With no url configured the account's public endpoint is used.
func (c *ClientConfig) ControlURL() (string, error) {
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		if c.Account == "" {
			return "", errors.New(errors.ErrorTypeConfig, "url is required when account is empty")
		}
		raw = c.Account + ".snowflakecomputing.com"
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "invalid control host URL '"+raw+"'")
	}
	if u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", errors.New(errors.ErrorTypeConfig, "invalid control host URL '"+raw+"'")
	}
	u.Host = strings.ToLower(strings.ReplaceAll(u.Host, "_", "-"))
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// KeyPEM returns the configured PEM key material, reading private_key_path
// when no inline key is set. Inline keys supplied through environment
// variables often carry literal "\n" sequences; those are expanded.
func (c *ClientConfig) KeyPEM() ([]byte, error) {
	if c.PrivateKey != "" {
		key := c.PrivateKey
		if !strings.Contains(key, "\n") {
			key = strings.ReplaceAll(key, `\n`, "\n")
		}
		return []byte(key), nil
	}
	if c.PrivateKeyPath != "" {
		data, err := os.ReadFile(c.PrivateKeyPath) //nolint:gosec // G304: path comes from the operator's own profile
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeKey, "failed to read private key file")
		}
		return data, nil
	}
	return nil, errors.New(errors.ErrorTypeKey, "no private key configured")
}
