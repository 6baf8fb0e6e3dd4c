// Package snowstream is a Go client for Snowflake's REST streaming ingest API.
//
// A client authenticates with short-lived RS256 key-pair JWTs, discovers the
// account's ingest host and opens channels on a pipe. Rows are appended as
// newline-delimited JSON in chunks of at most 16 MiB, and a channel is closed
// only after the server's committed offset catches up with everything pushed.
//
// # Architecture
//
// Three pieces cooperate on every request:
//
// 1. Token guard (pkg/token): signs JWTs, refreshes them ahead of expiry and
// coalesces concurrent refreshes into one signing.
//
// 2. Retry coordinator (pkg/retry): classifies each attempt as success,
// unauthorized, rate limited, transient or fatal. A 401 forces one token
// refresh, a 429 waits a fixed delay and transient failures back off with
// jitter.
//
// 3. Channel state machine (pkg/ingest): Open, Closing and then one of
// Closed, Failed or TimedOut. Offsets advance by one per chunk.
//
// # Quick Start
//
//	cfg, err := config.LoadFile("profile.yaml")
//	if err != nil {
//	    return err
//	}
//	client, err := ingest.NewClient(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	ch, err := client.OpenChannel(ctx, "orders-0")
//	if err != nil {
//	    return err
//	}
//	if _, err := ch.AppendRows(ctx, map[string]any{"id": 1, "total": 9.5}); err != nil {
//	    return err
//	}
//	return ch.Close(ctx)
//
// # Key Packages
//
//	pkg/config        - Profile loading (YAML, JSON, SNOWFLAKE_* env, DSN)
//	pkg/token         - JWT signing and the refresh guard
//	pkg/retry         - Retry plan, outcome classification, coordinator
//	pkg/clients       - Tuned HTTP transport, rate limiter, scoped OAuth tokens
//	pkg/dispatch      - Authenticated request pipeline with tracing
//	pkg/ingest        - Client, channels, chunk planning
//	pkg/rowsource     - Row readers for files, S3, GCS, Kafka and databases
//	pkg/errors        - Structured errors with typed details
//	pkg/logger        - zap logging
//	pkg/metrics       - Prometheus collectors
//	pkg/observability - OpenTelemetry tracing and the metrics endpoint
//
// The snowstream command (cmd/snowstream) wraps these for operators:
//
//	snowstream ingest events.ndjson.gz --profile prod.yaml --pipe EVENTS --channel events-0
//
// With --channels N the rows are spread over events-0-0 through events-0-(N-1)
// by internal/pipeline, one writer per channel.
package snowstream
