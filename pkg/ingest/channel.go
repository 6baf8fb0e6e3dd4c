package ingest

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/snowstream/internal/clock"
	"github.com/ajitpratap0/snowstream/pkg/dispatch"
	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/json"
	"github.com/ajitpratap0/snowstream/pkg/logger"
	"github.com/ajitpratap0/snowstream/pkg/retry"
)

// Channel is an open streaming channel. Appends are serialized; status reads
// may run concurrently with them. Once a channel reaches a terminal state
// every operation returns a ClosedState error.
type Channel struct {
	client *Client
	name   string
	logger *zap.Logger

	// appendMu serializes appends and close so offsets stay contiguous.
	appendMu sync.Mutex

	mu           sync.Mutex
	state        State
	reason       error
	continuation string
	progress     CommitProgress
}

func newChannel(c *Client, name, continuation string, committed int64) *Channel {
	return &Channel{
		client:       c,
		name:         name,
		logger:       logger.Component(c.base, "channel").With(zap.String("pipe", c.pipe), zap.String("channel", name)),
		state:        StateOpen,
		continuation: continuation,
		progress:     CommitProgress{LastPushedOffset: committed, LastCommittedOffset: committed},
	}
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// State returns the current state and, for Failed and TimedOut, the error
// that caused it.
func (ch *Channel) State() (State, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state, ch.reason
}

// Progress returns the pushed and committed offsets known locally.
func (ch *Channel) Progress() CommitProgress {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.progress
}

// AppendRow appends a single row as its own chunk.
func (ch *Channel) AppendRow(ctx context.Context, row any) error {
	_, err := ch.AppendRows(ctx, row)
	return err
}

// AppendRows serializes rows to JSON and appends them in order.
func (ch *Channel) AppendRows(ctx context.Context, rows ...any) (AppendResult, error) {
	serialized := make([][]byte, len(rows))
	for i, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return AppendResult{}, errors.Wrap(err, errors.ErrorTypeData, "failed to serialize row").
				WithDetail(errors.DetailRowIndex, i).
				WithDetail(errors.DetailChannel, ch.name)
		}
		serialized[i] = b
	}
	return ch.append(ctx, serialized)
}

// AppendSerialized appends rows that are already JSON objects. Each row is
// compacted onto a single line; invalid JSON is rejected before anything is
// sent.
func (ch *Channel) AppendSerialized(ctx context.Context, rows [][]byte) (AppendResult, error) {
	compacted := make([][]byte, len(rows))
	for i, row := range rows {
		var buf bytes.Buffer
		if err := json.Compact(&buf, row); err != nil {
			return AppendResult{}, errors.Wrap(err, errors.ErrorTypeData, "row is not valid JSON").
				WithDetail(errors.DetailRowIndex, i).
				WithDetail(errors.DetailChannel, ch.name)
		}
		compacted[i] = buf.Bytes()
	}
	return ch.append(ctx, compacted)
}

func (ch *Channel) append(ctx context.Context, rows [][]byte) (AppendResult, error) {
	if err := ch.requireOpen(); err != nil {
		return AppendResult{}, err
	}
	if len(rows) == 0 {
		return AppendResult{LastPushedOffset: ch.Progress().LastPushedOffset}, nil
	}

	// Oversized rows are rejected before anything is sent, so the channel stays open.
	chunks, err := PlanChunks(rows, ch.client.chunkLimit)
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			e.WithDetail(errors.DetailChannel, ch.name)
		}
		return AppendResult{}, err
	}

	ch.appendMu.Lock()
	defer ch.appendMu.Unlock()
	if err := ch.requireOpen(); err != nil {
		return AppendResult{}, err
	}

	var result AppendResult
	for _, chunk := range chunks {
		n, err := ch.sendChunk(ctx, chunk)
		if err != nil {
			ch.fail(err)
			result.LastPushedOffset = ch.Progress().LastPushedOffset
			return result, err
		}
		result.Rows += len(chunk.Rows)
		result.Chunks++
		result.Bytes += n
	}
	result.LastPushedOffset = ch.Progress().LastPushedOffset
	return result, nil
}

// sendChunk posts one chunk and advances the pushed offset by one. It
// returns the uncompressed body size.
func (ch *Channel) sendChunk(ctx context.Context, chunk Chunk) (int, error) {
	ch.mu.Lock()
	continuation := ch.continuation
	offset := ch.progress.LastPushedOffset + 1
	ch.mu.Unlock()

	body := json.MarshalLines(chunk.Rows)

	query := url.Values{}
	if continuation != "" {
		query.Set("continuationToken", continuation)
	}
	query.Set("offsetToken", strconv.FormatInt(offset, 10))

	req := ch.client.request(retry.OpAppendRows, http.MethodPost, ch.client.rowsURL(ch.name), body)
	req.Query = query
	req.ContentType = dispatch.ContentTypeNDJSON
	req.Compress = true

	var resp appendRowsResponse
	if err := ch.client.data.DoJSON(ch.client.logContext(ctx, ch.name), req, &resp); err != nil {
		return 0, err
	}

	ch.mu.Lock()
	if resp.NextContinuationToken != "" {
		ch.continuation = resp.NextContinuationToken
	}
	ch.progress.LastPushedOffset = offset
	if resp.ChannelStatus != nil {
		if committed, err := resp.ChannelStatus.CommittedOffset(); err == nil && committed > ch.progress.LastCommittedOffset {
			ch.progress.LastCommittedOffset = committed
		}
	}
	ch.mu.Unlock()

	ch.client.metrics.RecordAppend(ch.client.pipe, len(chunk.Rows), len(body))
	ch.logger.Debug("chunk appended",
		zap.Int("rows", len(chunk.Rows)),
		zap.Int("bytes", len(body)),
		zap.Int("packed_size", chunk.PackedSize),
		zap.Int64("offset", offset))
	return len(body), nil
}

// LatestCommittedOffset asks the server for the channel's committed offset
// and records it locally.
func (ch *Channel) LatestCommittedOffset(ctx context.Context) (int64, error) {
	if err := ch.requireOpen(); err != nil {
		return 0, err
	}
	return ch.pollCommitted(ctx)
}

func (ch *Channel) pollCommitted(ctx context.Context) (int64, error) {
	statuses, err := ch.client.BulkChannelStatus(ctx, ch.name)
	if err != nil {
		return 0, err
	}
	status, ok := statuses[ch.name]
	if !ok {
		return 0, errors.New(errors.ErrorTypeHTTP, "channel missing from status response").
			WithDetail(errors.DetailOperation, string(retry.OpChannelStatus)).
			WithDetail(errors.DetailChannel, ch.name)
	}
	committed, err := status.CommittedOffset()
	if err != nil {
		return 0, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if committed > ch.progress.LastCommittedOffset {
		ch.progress.LastCommittedOffset = committed
	}
	return ch.progress.LastCommittedOffset, nil
}

// Close waits for every pushed offset to commit, using the configured close
// timeout, then drops the channel.
func (ch *Channel) Close(ctx context.Context) error {
	return ch.CloseWithTimeout(ctx, ch.client.channelCfg.CloseTimeout)
}

// CloseWithTimeout moves the channel to Closing, polls the committed offset
// until it reaches the pushed offset and drops the channel. If timeout
// elapses first the channel becomes TimedOut and the error carries both
// offsets. A failed poll or drop makes the channel Failed.
func (ch *Channel) CloseWithTimeout(ctx context.Context, timeout time.Duration) error {
	ch.mu.Lock()
	if ch.state != StateOpen {
		err := ch.closedStateError()
		ch.mu.Unlock()
		return err
	}
	ch.state = StateClosing
	ch.mu.Unlock()
	ch.client.metrics.RecordTransition(StateClosing.String())

	// Wait for an in-flight append to finish before reading the pushed offset.
	ch.appendMu.Lock()
	defer ch.appendMu.Unlock()

	cfg := ch.client.channelCfg
	clk := ch.client.clock
	start := clk.Now()
	deadline := start.Add(timeout)
	lastWarn := start

	ch.logger.Info("closing channel",
		zap.Duration("timeout", timeout),
		zap.Int64("pushed_offset", ch.Progress().LastPushedOffset))

	for {
		progress := ch.Progress()
		if progress.CaughtUp() {
			break
		}

		now := clk.Now()
		if !now.Before(deadline) {
			return ch.timedOut(nil, now.Sub(start), timeout)
		}

		pollCtx, cancel := clock.WithDeadline(ctx, clk, deadline)
		_, err := ch.pollCommitted(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && (!clk.Now().Before(deadline) || errors.Is(err, context.DeadlineExceeded)) {
				return ch.timedOut(err, clk.Now().Sub(start), timeout)
			}
			ch.fail(err)
			return err
		}
		if ch.Progress().CaughtUp() {
			break
		}

		now = clk.Now()
		if now.Sub(lastWarn) >= cfg.WarnInterval {
			p := ch.Progress()
			ch.logger.Warn("waiting for commit",
				zap.Int64("pushed_offset", p.LastPushedOffset),
				zap.Int64("committed_offset", p.LastCommittedOffset),
				zap.Duration("elapsed", now.Sub(start)))
			lastWarn = now
		}

		wait := cfg.PollInterval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			if err := clock.Sleep(ctx, clk, wait); err != nil {
				err = errors.Wrap(err, errors.ErrorTypeTimeout, "close cancelled").
					WithDetail(errors.DetailChannel, ch.name)
				ch.fail(err)
				return err
			}
		}
	}

	req := ch.client.request(retry.OpDropChannel, http.MethodDelete, ch.client.channelURL(ch.name), nil)
	if _, err := ch.client.data.Do(ch.client.logContext(ctx, ch.name), req); err != nil {
		ch.fail(err)
		return err
	}

	waited := clk.Now().Sub(start)
	ch.client.metrics.ObserveCloseWait(waited)
	ch.finish(StateClosed, nil)
	ch.logger.Info("channel closed",
		zap.Int64("committed_offset", ch.Progress().LastCommittedOffset),
		zap.Duration("waited", waited))
	return nil
}

// timedOut moves the channel to TimedOut. cause is the poll error cut short
// by the deadline, if any.
func (ch *Channel) timedOut(cause error, elapsed, timeout time.Duration) error {
	progress := ch.Progress()
	msg := "channel commit did not catch up before close deadline"
	var err *errors.Error
	if cause != nil {
		err = errors.Wrap(cause, errors.ErrorTypeTimeout, msg)
	} else {
		err = errors.New(errors.ErrorTypeTimeout, msg)
	}
	err.WithDetail(errors.DetailChannel, ch.name).
		WithDetail(errors.DetailElapsed, elapsed).
		WithDetail(errors.DetailDeadline, timeout).
		WithDetail(errors.DetailPushedOffset, progress.LastPushedOffset).
		WithDetail(errors.DetailCommittedOffset, progress.LastCommittedOffset)
	ch.finish(StateTimedOut, err)
	return err
}

func (ch *Channel) requireOpen() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateOpen {
		return ch.closedStateError()
	}
	return nil
}

// closedStateError must be called with mu held.
func (ch *Channel) closedStateError() *errors.Error {
	var e *errors.Error
	if ch.reason != nil {
		e = errors.Wrap(ch.reason, errors.ErrorTypeClosedState, "channel is not open")
	} else {
		e = errors.New(errors.ErrorTypeClosedState, "channel is not open")
	}
	return e.WithDetail(errors.DetailState, ch.state.String()).
		WithDetail(errors.DetailChannel, ch.name)
}

func (ch *Channel) fail(err error) {
	ch.finish(StateFailed, err)
	ch.logger.Error("channel failed", zap.Error(err))
}

func (ch *Channel) finish(s State, reason error) {
	ch.mu.Lock()
	if ch.state.Terminal() {
		ch.mu.Unlock()
		return
	}
	ch.state = s
	ch.reason = reason
	ch.mu.Unlock()
	ch.client.metrics.RecordTransition(s.String())
}
