package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kansup/kansup/internal/common/config"
	"github.com/kansup/kansup/internal/common/logger"
	"github.com/kansup/kansup/internal/orchestrator"
	"github.com/kansup/kansup/internal/orchestrator/portpool"
	"github.com/kansup/kansup/internal/orchestrator/store"
)

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reconcile the orchestrator store after an unclean shutdown without starting the supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover()
		},
	}
}

// runRecover runs the same reconciliation App.Run does at startup
// (marking stale running instances crashed, reseeding the port pool) as a
// standalone operation, for operators restoring a store without starting
// the full supervisor.
func runRecover() error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	st, err := store.Open(cfg.Store.OrchestratorDBPath)
	if err != nil {
		return fmt.Errorf("failed to open orchestrator store: %w", err)
	}
	defer st.Close()

	ports := portpool.New(cfg.Orchestrator.PortRangeStart, cfg.Orchestrator.PortRangeSize)
	manager := orchestrator.New(cfg, st, ports, nil, log)

	if err := manager.Recover(context.Background()); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	log.Info("recovery complete")
	return nil
}
