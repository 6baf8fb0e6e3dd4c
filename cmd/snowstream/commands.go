package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/snowstream/internal/pipeline"

	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/ingest"
	"github.com/ajitpratap0/snowstream/pkg/json"
	"github.com/ajitpratap0/snowstream/pkg/rowsource"
)

func newHostCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Print the ingest host for the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()
			fmt.Fprintln(a.out, client.IngestURL())
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var channels []string
	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show the server status of channels on the pipe",
		Example: `  snowstream status --pipe EVENTS --channel orders-0 --channel orders-1`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			statuses, err := client.BulkChannelStatus(cmd.Context(), channels...)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(statuses, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, string(out))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&channels, "channel", "c", nil, "Channel name (repeatable, required)")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

type ingestFlags struct {
	channel      string
	channels     int
	batchRows    int
	closeTimeout time.Duration
	source       rowsource.Options
	format       string
}

func newIngestCmd(a *app) *cobra.Command {
	var f ingestFlags
	cmd := &cobra.Command{
		Use:   "ingest SOURCE",
		Short: "Append rows from SOURCE to a channel and wait for them to commit",
		Long: `Read rows from SOURCE, append them to the channel in batches and close the
channel once every pushed offset is committed.

SOURCE is a local file ("-" for stdin), s3://bucket/key, gs://bucket/object,
kafka://brokers/topic?partition=N, a postgres:// or mysql:// URL with --query,
or a mongodb:// URL with --collection.`,
		Example: `  snowstream ingest events.ndjson.gz --pipe EVENTS --channel events-0
  snowstream ingest postgres://app@db/shop --query "select * from orders" -c orders-0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.source.Format = rowsource.Format(f.format)
			return a.runIngest(cmd.Context(), args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.channel, "channel", "c", "", "Channel name (required)")
	fl.IntVar(&f.channels, "channels", 1, "Spread rows over this many channels named CHANNEL-0..CHANNEL-N-1")
	fl.IntVar(&f.batchRows, "batch-rows", 1000, "Rows per append call; each call is split into 16 MiB chunks as needed")
	fl.DurationVar(&f.closeTimeout, "close-timeout", 0, "How long to wait for commits on close (default from profile)")
	fl.StringVar(&f.format, "format", "", "Source format override (ndjson, avro)")
	fl.StringVar(&f.source.Compression, "compression", "", "Source compression override (gzip, zstd, lz4)")
	fl.StringVar(&f.source.Query, "query", "", "SQL query, or a JSON filter for mongodb")
	fl.StringVar(&f.source.Collection, "collection", "", "MongoDB collection as database.collection")
	fl.StringVar(&f.source.Region, "region", "", "AWS region for s3 sources")
	fl.StringVar(&f.source.Endpoint, "endpoint", "", "S3-compatible endpoint for s3 sources")
	fl.IntVar(&f.source.MaxRows, "max-rows", 0, "Stop after this many rows (0 = all)")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func (a *app) runIngest(parent context.Context, uri string, f ingestFlags) error {
	if f.channels <= 0 {
		return fmt.Errorf("--channels must be positive")
	}
	if f.batchRows <= 0 {
		return fmt.Errorf("--batch-rows must be positive")
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	f.source.Logger = a.log
	src, err := rowsource.Open(ctx, uri, f.source)
	if err != nil {
		return err
	}
	defer src.Close()

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	channels := make([]*ingest.Channel, 0, f.channels)
	sinks := make([]pipeline.Sink, 0, f.channels)
	for _, name := range channelNames(f.channel, f.channels) {
		ch, err := client.OpenChannel(ctx, name)
		if err != nil {
			a.abandon(err, channels...)
			return err
		}
		channels = append(channels, ch)
		sinks = append(sinks, ch)
	}

	p, err := pipeline.New(src, sinks, pipeline.Config{BatchSize: f.batchRows}, a.log, a.metrics)
	if err != nil {
		a.abandon(err, channels...)
		return err
	}
	stats, err := p.Run(ctx)
	if err != nil {
		a.abandon(err, channels...)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			if f.closeTimeout > 0 {
				return ch.CloseWithTimeout(gctx, f.closeTimeout)
			}
			return ch.Close(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		a.abandon(err, channels...)
		return err
	}

	for i, ch := range channels {
		fmt.Fprintf(a.out, "appended %d rows in %d chunks to %s (committed offset %d)\n",
			stats[i].Rows, stats[i].Chunks, ch.Name(), ch.Progress().LastCommittedOffset)
	}
	return nil
}

// channelNames returns base for a single channel and base-0..base-(n-1) otherwise.
func channelNames(base string, n int) []string {
	if n == 1 {
		return []string{base}
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s-%d", base, i)
	}
	return names
}

// abandon logs channel state after a failed run. Channels are left on the
// server so a rerun resumes from their committed offsets.
func (a *app) abandon(err error, channels ...*ingest.Channel) {
	a.log.Error("ingest failed",
		zap.Error(err),
		zap.Bool("retryable", errors.IsRetryable(err)))
	for _, ch := range channels {
		state, reason := ch.State()
		a.log.Warn("ingest aborted",
			zap.String("channel", ch.Name()),
			zap.Stringer("state", state),
			zap.Int64("pushed_offset", ch.Progress().LastPushedOffset),
			zap.Int64("committed_offset", ch.Progress().LastCommittedOffset),
			zap.NamedError("reason", reason))
	}
}
