// Package pipeline fans rows from one source out to a set of ingest channels.
//
// A reader goroutine groups source rows into batches and hands them to the
// channels round-robin. Each channel has a single writer goroutine, so offsets
// within a channel follow source order. The first failure stops the run.
//
// # Basic Usage
//
//	p, err := pipeline.New(src, []pipeline.Sink{ch0, ch1}, pipeline.Config{BatchSize: 1000}, logger, m)
//	if err != nil {
//	    return err
//	}
//	stats, err := p.Run(ctx)
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/snowstream/pkg/ingest"
	"github.com/ajitpratap0/snowstream/pkg/logger"
	"github.com/ajitpratap0/snowstream/pkg/metrics"
	"github.com/ajitpratap0/snowstream/pkg/rowsource"
)

// Sink receives batches of serialized rows. *ingest.Channel implements it.
type Sink interface {
	Name() string
	AppendSerialized(ctx context.Context, rows [][]byte) (ingest.AppendResult, error)
}

// Config controls batching.
type Config struct {
	BatchSize int // rows per append call
	Buffer    int // batches queued per sink before the reader blocks
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{BatchSize: 1000, Buffer: 2}
}

// Stats summarizes what one sink received.
type Stats struct {
	Sink             string
	Batches          int
	Rows             int
	Chunks           int
	Bytes            int
	LastPushedOffset int64
}

// Pipeline moves rows from a source to its sinks.
type Pipeline struct {
	source  rowsource.Source
	sinks   []Sink
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New validates cfg and creates a pipeline. logger and m may be nil.
func New(source rowsource.Source, sinks []Sink, cfg Config, l *zap.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("pipeline requires a source")
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("pipeline requires at least one sink")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	return &Pipeline{
		source:  source,
		sinks:   sinks,
		cfg:     cfg,
		logger:  logger.Component(logger.OrDefault(l), "pipeline"),
		metrics: m,
	}, nil
}

// Run streams the source to exhaustion. Stats are returned in sink order even
// on failure, covering the batches that were appended before it.
func (p *Pipeline) Run(ctx context.Context) ([]Stats, error) {
	start := time.Now()
	p.logger.Info("starting pipeline",
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("sinks", len(p.sinks)))

	g, gctx := errgroup.WithContext(ctx)
	queues := make([]chan [][]byte, len(p.sinks))
	stats := make([]Stats, len(p.sinks))
	for i, sink := range p.sinks {
		queues[i] = make(chan [][]byte, p.cfg.Buffer)
		stats[i].Sink = sink.Name()
	}

	g.Go(func() error { return p.readSource(gctx, queues) })
	for i := range p.sinks {
		i := i
		g.Go(func() error { return p.writeSink(gctx, p.sinks[i], queues[i], &stats[i]) })
	}

	err := g.Wait()

	var rows int
	for _, s := range stats {
		rows += s.Rows
	}
	duration := time.Since(start)
	fields := []zap.Field{
		zap.Int("rows", rows),
		zap.Duration("duration", duration),
		zap.Float64("throughput_rps", float64(rows)/duration.Seconds()),
	}
	if err != nil {
		p.logger.Error("pipeline failed", append(fields, zap.Error(err))...)
		return stats, err
	}
	p.logger.Info("pipeline completed", fields...)
	return stats, nil
}

// readSource batches source rows and deals them to the queues round-robin.
func (p *Pipeline) readSource(ctx context.Context, queues []chan [][]byte) error {
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()

	for next := 0; ; next = (next + 1) % len(queues) {
		rows, err := rowsource.Batch(ctx, p.source, p.cfg.BatchSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if len(rows) > 0 {
			select {
			case queues[next] <- rows:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return nil
		}
	}
}

func (p *Pipeline) writeSink(ctx context.Context, sink Sink, queue <-chan [][]byte, st *Stats) error {
	tracker := p.metrics.NewThroughputTracker(sink.Name())
	for batch := range queue {
		if ctx.Err() != nil {
			// Another goroutine failed; leave this channel untouched.
			return nil
		}
		res, err := sink.AppendSerialized(ctx, batch)
		if err != nil {
			return err
		}
		st.Batches++
		st.Rows += res.Rows
		st.Chunks += res.Chunks
		st.Bytes += res.Bytes
		st.LastPushedOffset = res.LastPushedOffset
		tracker.Increment(int64(res.Rows))
		p.logger.Debug("batch appended",
			zap.String("channel", sink.Name()),
			zap.Int("rows", res.Rows),
			zap.Int64("pushed_offset", res.LastPushedOffset),
			zap.Float64("rows_per_second", tracker.GetAndReset()))
	}
	return nil
}
