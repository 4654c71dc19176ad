// Command relay runs the settlement relay: the redemption API, the price
// consensus loop, attestation processing and the staleness watchdog.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/settlementrelay/internal/config"
	"github.com/terminal-bench/settlementrelay/internal/election"
	"github.com/terminal-bench/settlementrelay/internal/poller"
	"github.com/terminal-bench/settlementrelay/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		app.server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return runLoops(gctx, app.elector, app.loops, logger)
	})
	return g.Wait()
}

// runLoops runs the poll loops, behind leader election when configured.
// Losing leadership ends the process so a supervisor can restart it as a
// follower.
func runLoops(ctx context.Context, elector *election.Elector, loops *poller.Group, logger *zap.Logger) error {
	if elector == nil {
		return loops.Run(ctx)
	}

	if err := elector.Campaign(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := elector.Resign(resignCtx); err != nil {
			logger.Warn("failed to resign leadership", zap.Error(err))
		}
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan struct{})
	go func() {
		select {
		case <-elector.Lost():
			close(lost)
			cancel()
		case <-loopCtx.Done():
		}
	}()

	if err := loops.Run(loopCtx); err != nil {
		return err
	}
	select {
	case <-lost:
		return election.ErrNotLeader
	default:
		return nil
	}
}
