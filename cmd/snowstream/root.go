package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/snowstream/pkg/config"
	"github.com/ajitpratap0/snowstream/pkg/ingest"
	"github.com/ajitpratap0/snowstream/pkg/logger"
	"github.com/ajitpratap0/snowstream/pkg/metrics"
	"github.com/ajitpratap0/snowstream/pkg/observability"
)

// app holds what every subcommand needs after flags are parsed.
type app struct {
	out io.Writer

	profile     string
	envFile     string
	logLevel    string
	metricsAddr string
	traceSample float64
	database    string
	schema      string
	pipe        string

	cfg           *config.ClientConfig
	log           *zap.Logger
	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *observability.MetricsServer
	stopTracing   observability.ShutdownFunc
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "snowstream",
		Short: "Stream rows into Snowflake pipes over the REST streaming API",
		Long: `snowstream opens streaming channels on a Snowflake pipe and appends rows read
from files, object storage, Kafka or databases. Credentials come from a profile
file (--profile) or from SNOWFLAKE_* environment variables.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.profile, "profile", "p", "", "Path to a YAML or JSON profile (default: SNOWFLAKE_* environment)")
	pf.StringVar(&a.envFile, "env-file", ".env", "Dotenv file loaded before reading the environment; missing files are ignored")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")
	pf.StringVar(&a.database, "database", "", "Database override")
	pf.StringVar(&a.schema, "schema", "", "Schema override")
	pf.StringVar(&a.pipe, "pipe", "", "Pipe override")
	pf.Float64Var(&a.traceSample, "trace-sampling", -1, "Trace sampling rate override; traces are written to stderr")

	root.AddCommand(
		newVersionCmd(a),
		newHostCmd(a),
		newStatusCmd(a),
		newIngestCmd(a),
	)
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// version needs no profile
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(a.out, "snowstream v%s\n", version)
			fmt.Fprintf(a.out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(a.out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.envFile != "" {
		// A missing dotenv file is normal.
		_ = godotenv.Load(a.envFile)
	}

	var err error
	if a.profile != "" {
		a.cfg, err = config.LoadFile(a.profile)
	} else {
		a.cfg, err = config.FromEnv()
	}
	if err != nil {
		return fmt.Errorf("profile: %w", err)
	}

	if a.database != "" {
		a.cfg.Database = a.database
	}
	if a.schema != "" {
		a.cfg.Schema = a.schema
	}
	if a.pipe != "" {
		a.cfg.Pipe = a.pipe
	}

	logCfg := a.cfg.Log
	if a.logLevel != "" {
		logCfg.Level = a.logLevel
	}
	if len(logCfg.OutputPaths) == 0 {
		logCfg.OutputPaths = []string{"stderr"}
	}
	if err := logger.Init(logCfg); err != nil {
		return err
	}
	a.log = logger.With(zap.String("component", "cli"), zap.String("version", version))

	tracing := observability.DefaultTracingConfig(version)
	if a.traceSample >= 0 {
		tracing.SamplingRate = a.traceSample
	}
	if a.stopTracing, err = observability.InitTracing(tracing); err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	if a.metricsAddr != "" {
		if a.metricsServer, err = observability.StartMetricsServer(a.metricsAddr, a.registry, a.log); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	a.log.Debug("command starting", zap.String("command", cmd.Name()), zap.String("account", a.cfg.Account))
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(ctx)
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.log.Warn("failed to flush traces", zap.Error(err))
		}
	}
	_ = logger.Sync()
	return nil
}

// connect builds an ingest client from the loaded profile.
func (a *app) connect(ctx context.Context, opts ...ingest.Option) (*ingest.Client, error) {
	opts = append([]ingest.Option{ingest.WithLogger(logger.Get()), ingest.WithMetrics(a.metrics)}, opts...)
	return ingest.NewClient(ctx, a.cfg, opts...)
}
