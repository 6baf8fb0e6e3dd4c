// Package config defines the client profile consumed by snowstream.
//
// # Profile fields
//
// Identity and key material use the field names of the profile JSON accepted
// by other streaming SDKs (account, user, login, url, private_key,
// private_key_path, private_key_passphrase, public_key_fp, jwt_token,
// jwt_exp_secs), so an existing profile loads unchanged. Nested sections
// tune retries, transport and channel close behaviour:
//
//	account: myorg-myaccount
//	user: INGEST_SVC
//	url: myorg-myaccount.snowflakecomputing.com
//	database: RAW
//	schema: PUBLIC
//	pipe: EVENTS_PIPE
//	private_key_path: /etc/snowstream/rsa_key.p8
//	private_key_passphrase: ${SNOWSTREAM_KEY_PASSPHRASE}
//	jwt_exp_secs: 3600
//	retry:
//	  max_attempts: 4
//	  jitter: decorrelated
//	channel:
//	  close_timeout: 10m
//
// # Loading
//
// LoadFile decodes YAML or JSON through viper after substituting ${VAR}
// references. FromEnv reads SNOWFLAKE_* variables; nested keys use an
// underscore, e.g. SNOWFLAKE_RETRY_MAX_ATTEMPTS. A dsn field holding a
// Snowflake Go-driver DSN fills empty identity fields.
//
// Always call ApplyDefaults and then Validate before use.
package config
