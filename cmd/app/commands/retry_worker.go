package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/allisson/relay/internal/app"
	"github.com/allisson/relay/internal/command"
	"github.com/allisson/relay/internal/config"
)

// RunRetryWorker starts the idempotency retry worker with graceful shutdown
// support. The registerHandlers hooks let the embedding binary install its
// command handlers before sweeping begins; the registry is validated against
// the configured command set so a command type without a handler aborts
// startup instead of burning record retry budgets at runtime.
func RunRetryWorker(ctx context.Context, version string, registerHandlers ...func(*command.Registry) error) error {
	cfg := config.Load()
	container := app.NewContainer(cfg)

	logger := container.Logger()
	logger.Info("starting retry worker", slog.String("version", version))

	defer closeContainer(container, logger)

	for _, register := range registerHandlers {
		if err := register(container.Registry()); err != nil {
			return fmt.Errorf("failed to register command handlers: %w", err)
		}
	}

	if err := container.Registry().Validate(); err != nil {
		return fmt.Errorf("command registry validation failed: %w", err)
	}

	retryWorker, err := container.RetryWorker()
	if err != nil {
		return fmt.Errorf("failed to initialize retry worker: %w", err)
	}

	metricsServer, err := container.MetricsServer()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return retryWorker.Start(groupCtx)
	})

	if metricsServer != nil {
		group.Go(func() error {
			return metricsServer.Start(groupCtx)
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
