package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// EnvPrefix is the prefix of the environment variables read by FromEnv
const EnvPrefix = "SNOWFLAKE"

// envKeys lists every profile key FromEnv binds. Nested keys map to
// SNOWFLAKE_<SECTION>_<KEY>, e.g. SNOWFLAKE_RETRY_MAX_ATTEMPTS.
var envKeys = []string{
	"account", "login", "url", "database", "schema", "pipe",
	"private_key", "private_key_path", "private_key_passphrase", "public_key_fp",
	"jwt_token", "jwt_exp_secs", "jwt_refresh_margin_secs", "retry_on_unauthorized",
	"audience", "scoped_token", "dsn",
	"retry.max_attempts", "retry.initial_delay", "retry.multiplier", "retry.max_delay",
	"retry.jitter", "retry.rate_limit_delay", "retry.rate_limit_jitter", "retry.max_rate_limit_retries",
	"http.timeout", "http.enable_http2", "http.rate_limit_per_sec", "http.rate_limit_burst",
	"http.compression", "http.user_agent",
	"channel.poll_interval", "channel.close_timeout", "channel.warn_interval",
	"log.level", "log.encoding",
}

// LoadFile loads a profile from a YAML or JSON file. ${VAR_NAME} references
// are replaced with environment variable values before decoding.
func LoadFile(filePath string) (*ClientConfig, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}

	content := substituteEnvVars(string(data))

	v := viper.New()
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		v.SetConfigType("json")
	default:
		v.SetConfigType("yaml")
	}
	if err := v.ReadConfig(bytes.NewBufferString(content)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config file")
	}

	return decode(v)
}

// FromEnv builds a profile from SNOWFLAKE_* environment variables. The user
// is read from SNOWFLAKE_USER or SNOWFLAKE_USERNAME.
func FromEnv() (*ClientConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to bind "+key)
		}
	}
	if err := v.BindEnv("user", EnvPrefix+"_USER", EnvPrefix+"_USERNAME"); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to bind user")
	}

	return decode(v)
}

func decode(v *viper.Viper) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to decode config")
	}
	if cfg.DSN != "" {
		if err := cfg.ApplyDSN(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Save writes a profile to a YAML file
func Save(filePath string, cfg *ClientConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var out strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		out.WriteString(content[:start])
		out.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	out.WriteString(content)
	return out.String()
}
