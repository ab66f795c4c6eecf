package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kansup/kansup/internal/app"
	"github.com/kansup/kansup/internal/common/config"
	"github.com/kansup/kansup/internal/common/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor: spawn agent instances and relay chat traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	// 1. Load configuration.
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize logger.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting kansup...")

	// 3. Create context with cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Assemble the application.
	application, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to assemble application: %w", err)
	}

	// 5. Run until a shutdown signal arrives.
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- application.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutting down kansup...")
		cancel()
		return <-runErrCh
	case err := <-runErrCh:
		if err != nil {
			log.Error("kansup exited with error", zap.Error(err))
		}
		return err
	}
}
