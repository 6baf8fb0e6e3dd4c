package ingest

import (
	"bytes"
	"strconv"

	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/json"
)

// OffsetToken is a server offset token. The service sends it as a string;
// numbers and null are accepted too. Offsets written by this client are
// decimal integers.
type OffsetToken struct {
	Value string
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OffsetToken) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*o = OffsetToken{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*o = OffsetToken{Value: s, Set: true}
		return nil
	default:
		*o = OffsetToken{Value: string(data), Set: true}
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (o OffsetToken) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// Int returns the token as an integer offset. An unset token is offset 0.
func (o OffsetToken) Int() (int64, error) {
	if !o.Set || o.Value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(o.Value, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeData, "offset token is not an integer").
			WithDetail(errors.DetailBody, o.Value)
	}
	return n, nil
}

// ChannelStatus is the server's view of one channel.
type ChannelStatus struct {
	DatabaseName                    string      `json:"database_name"`
	SchemaName                      string      `json:"schema_name"`
	PipeName                        string      `json:"pipe_name"`
	ChannelName                     string      `json:"channel_name"`
	ChannelStatusCode               string      `json:"channel_status_code"`
	LastCommittedOffsetToken        OffsetToken `json:"last_committed_offset_token"`
	CreatedOnMs                     int64       `json:"created_on_ms"`
	RowsInserted                    *int64      `json:"rows_inserted,omitempty"`
	RowsParsed                      *int64      `json:"rows_parsed,omitempty"`
	RowsErrors                      *int64      `json:"rows_errors,omitempty"`
	LastErrorOffsetUpperBound       *string     `json:"last_error_offset_upper_bound,omitempty"`
	LastErrorMessage                *string     `json:"last_error_message,omitempty"`
	LastErrorTimestamp              *int64      `json:"last_error_timestamp,omitempty"`
	SnowflakeAvgProcessingLatencyMs *int64      `json:"snowflake_avg_processing_latency_ms,omitempty"`
}

// CommittedOffset parses LastCommittedOffsetToken.
func (s ChannelStatus) CommittedOffset() (int64, error) {
	return s.LastCommittedOffsetToken.Int()
}

// CommitProgress tracks what was pushed and what the server has committed.
// Both offsets only move forward.
type CommitProgress struct {
	LastPushedOffset    int64
	LastCommittedOffset int64
}

// CaughtUp reports whether every pushed offset is committed.
func (p CommitProgress) CaughtUp() bool {
	return p.LastCommittedOffset >= p.LastPushedOffset
}

// AppendResult summarizes one append call.
type AppendResult struct {
	Rows             int
	Chunks           int
	Bytes            int
	LastPushedOffset int64
}

type openChannelResponse struct {
	NextContinuationToken string        `json:"next_continuation_token"`
	ChannelStatus         ChannelStatus `json:"channel_status"`
}

type appendRowsResponse struct {
	NextContinuationToken string         `json:"next_continuation_token"`
	ChannelStatus         *ChannelStatus `json:"channel_status,omitempty"`
}

type bulkStatusRequest struct {
	ChannelNames []string `json:"channel_names"`
}

type bulkStatusResponse struct {
	ChannelStatuses map[string]ChannelStatus `json:"channel_statuses"`
}

type hostnameResponse struct {
	Hostname string `json:"hostname"`
}
