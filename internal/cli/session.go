package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/entityledger/internal/blob"
	"github.com/roach88/entityledger/internal/checkpoint"
	"github.com/roach88/entityledger/internal/config"
	"github.com/roach88/entityledger/internal/logging"
	"github.com/roach88/entityledger/internal/metrics"
	"github.com/roach88/entityledger/internal/model"
	"github.com/roach88/entityledger/internal/pipeline"
	"github.com/roach88/entityledger/internal/tracing"
)

// session is the state shared by every command invocation: resolved
// config, logger, metrics and the output formatter.
type session struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Metrics
	out     *OutputFormatter

	stopMetrics context.CancelFunc
	stopTracing tracing.ShutdownFunc
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// openSession loads config, applies flag overrides and prepares the data
// directory. Config problems are reported on out and returned as
// ExitCommandError.
func openSession(cmd *cobra.Command, opts *RootOptions) (*session, error) {
	out := newFormatter(cmd, opts)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fail(out, ErrCodeConfig, ExitCommandError, "load config", err)
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fail(out, ErrCodeConfig, ExitCommandError, "invalid config", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fail(out, ErrCodeDataDir, ExitCommandError, "data directory unusable", err)
	}

	logger := logging.New(logging.Options{
		Console:    cmd.ErrOrStderr(),
		Verbose:    opts.Verbose,
		File:       cfg.LogPath(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(logger.Logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	s := &session{
		cfg:     cfg,
		log:     logger,
		metrics: metrics.New(reg),
		out:     out,
	}

	stopTracing, err := tracing.Init(commandContext(cmd), tracing.Options{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		logger.Warn("tracing disabled", "endpoint", cfg.Tracing.Endpoint, "error", err)
	}
	s.stopTracing = stopTracing

	if cfg.MetricsAddr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopMetrics = cancel
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
				logger.Warn("metrics server stopped", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}
	return s, nil
}

// Close stops the metrics server, flushes pending spans and flushes the
// logger.
func (s *session) Close() {
	if s.stopMetrics != nil {
		s.stopMetrics()
	}
	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.stopTracing(ctx); err != nil {
			s.log.Warn("flush spans", "error", err)
		}
		cancel()
	}
	_ = s.log.Sync()
}

// openIngestor opens the data directory with every configured option,
// including the checkpoint mirror.
func (s *session) openIngestor(ctx context.Context) (*pipeline.Ingestor, error) {
	opts := []pipeline.Option{
		pipeline.WithCheckpointEvery(s.cfg.CheckpointEvery),
		pipeline.WithBufferSize(s.cfg.BufferSize),
		pipeline.WithSyncAppend(s.cfg.SyncAppend),
		pipeline.WithEntityTypes(s.cfg.EntityTypes),
		pipeline.WithMaxCandidates(s.cfg.MaxCandidates),
		pipeline.WithMetrics(s.metrics),
		pipeline.WithLogger(s.log.Logger),
	}
	mirror, err := blob.Open(ctx, s.cfg.Mirror.Blob())
	if err != nil {
		return nil, err
	}
	if mirror != nil {
		opts = append(opts, pipeline.WithMirror(mirror, s.cfg.Mirror.Key))
	}
	return pipeline.Open(ctx, s.cfg.DataDir, opts...)
}

// fail reports err on out and wraps it with an exit code.
func fail(out *OutputFormatter, code string, exit int, message string, err error) error {
	_ = out.Error(code, message+": "+err.Error(), nil)
	e := WrapExitError(exit, message, err)
	e.reported = true
	return e
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// notifyStop calls stop on the first SIGINT or SIGTERM so the running stage
// finishes its current unit and checkpoints. A second signal cancels the
// returned context. release must be called to unregister the handler.
func notifyStop(parent context.Context, stop func(), logger *slog.Logger) (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping after current item", "signal", sig)
			stop()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			logger.Warn("received second signal, cancelling", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan) // Prevent signal handler leak
		cancel()
	}
}

// loadSnapshot reads the data directory's checkpoint without opening its
// logs for writing. found is false for a directory nothing has checkpointed.
func (s *session) loadSnapshot(ctx context.Context) (model.Checkpoint, bool, error) {
	var opts []checkpoint.Option
	mirror, err := blob.Open(ctx, s.cfg.Mirror.Blob())
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	if mirror != nil {
		opts = append(opts, checkpoint.WithMirror(mirror, s.cfg.Mirror.Key))
	}
	opts = append(opts, checkpoint.WithLogger(s.log.Logger))
	return checkpoint.New(filepath.Join(s.cfg.DataDir, checkpoint.FileName), opts...).Load(ctx)
}
