package serverrun

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mistakster/mongodb-queue/internal/backend"
	"github.com/mistakster/mongodb-queue/internal/config"
	httpserver "github.com/mistakster/mongodb-queue/internal/server/http"
)

// Options carries everything Run needs. Config is expected to be validated.
type Options struct {
	Config config.Config
}

// Run opens the configured backend, serves HTTP and blocks until ctx is
// cancelled or a signal arrives. The backend is closed only after the server
// has finished shutting down.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := BuildLogger(opts.Config.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	b, err := backend.Open(sctx, opts.Config)
	if err != nil {
		return err
	}

	log.Info("starting server",
		zap.String("http", opts.Config.HTTPAddr),
		zap.String("backend", opts.Config.Backend),
		zap.Duration("visibility", opts.Config.VisibilityTimeout.Std()),
	)

	hsrv := httpserver.New(b, opts.Config, log)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		return hsrv.ListenAndServe(gctx, opts.Config.HTTPAddr)
	})

	err = g.Wait()
	hsrv.Close()
	if cerr := b.Close(); cerr != nil {
		log.Warn("backend close", zap.Error(cerr))
	}
	if err != nil && sctx.Err() == nil {
		return err
	}
	return nil
}

// BuildLogger constructs the process logger. Unknown levels fall back to info
// rather than refusing to start.
func BuildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
