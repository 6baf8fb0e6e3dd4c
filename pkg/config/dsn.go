package config

import (
	"fmt"

	"github.com/snowflakedb/gosnowflake"

	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// ApplyDSN parses the dsn field with the Snowflake Go driver and fills any
// empty identity fields from it. Explicit profile fields always win. A
// privateKey parameter in the DSN becomes the signing key when no PEM key is
// configured.
func (c *ClientConfig) ApplyDSN() error {
	if c.DSN == "" {
		return nil
	}
	dsn, err := gosnowflake.ParseDSN(c.DSN)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid dsn")
	}

	if c.Account == "" {
		c.Account = dsn.Account
	}
	if c.User == "" {
		c.User = dsn.User
	}
	if c.Database == "" {
		c.Database = dsn.Database
	}
	if c.Schema == "" {
		c.Schema = dsn.Schema
	}
	if c.URL == "" && dsn.Host != "" {
		scheme := dsn.Protocol
		if scheme == "" {
			scheme = "https"
		}
		if dsn.Port != 0 && dsn.Port != 443 {
			c.URL = fmt.Sprintf("%s://%s:%d", scheme, dsn.Host, dsn.Port)
		} else {
			c.URL = fmt.Sprintf("%s://%s", scheme, dsn.Host)
		}
	}
	if dsn.PrivateKey != nil && c.PrivateKey == "" && c.PrivateKeyPath == "" {
		c.dsnKey = dsn.PrivateKey
	}
	return nil
}
