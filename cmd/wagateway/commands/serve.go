package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvallejos/wagateway/pkg/wagateway/adapter"
	"github.com/nvallejos/wagateway/pkg/wagateway/autoresponse"
	"github.com/nvallejos/wagateway/pkg/wagateway/config"
	"github.com/nvallejos/wagateway/pkg/wagateway/maintenance"
	"github.com/nvallejos/wagateway/pkg/wagateway/registry"
	"github.com/nvallejos/wagateway/pkg/wagateway/router"
	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// newServeCmd creates the `wagateway serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway daemon",
		Long: `Start wagateway as a daemon: open the store, bring every known
account online, and route inbound messages through the auto-response engine.

Examples:
  wagateway serve
  wagateway serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().Bool("no-autostart", false, "do not reconnect known accounts on boot")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	config.AuditSecrets(cfg, logger)

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &adapter.WhatsmeowFactory{
		Logger:     logger,
		DeviceName: cfg.DeviceName,
	}

	reg := registry.New(cfg.ToRegistryConfig(), st, factory, logger)

	resolver := autoresponse.NewHTTPResolver(cfg.API.APIKey, logger)
	engine := autoresponse.New(cfg.AutoResponse, st, reg, resolver, logger)

	rt := router.New(st, engine, logger)
	reg.SetMessageHandler(rt.Handle)
	reg.SetDeleteHandler(func(accountID int64) {
		if n := engine.CancelAccount(accountID); n > 0 {
			logger.Info("pending responses cancelled", "account", accountID, "count", n)
		}
		rt.Forget(accountID)
	})

	// Warm the dedup ledger from the last persisted snapshot.
	if entries, err := st.LoadLedger(ctx, 0); err != nil {
		logger.Warn("ledger restore failed", "error", err)
	} else if len(entries) > 0 {
		rt.Ledger().Restore(entries)
		logger.Info("ledger restored", "entries", len(entries))
	}

	maint := maintenance.New(cfg.Maintenance, st, rt.Ledger(), cfg.SessionsDir, logger)
	if err := maint.Start(); err != nil {
		logger.Error("failed to start maintenance", "error", err)
	}

	// Bring known accounts back online.
	noAutostart, _ := cmd.Flags().GetBool("no-autostart")
	if !noAutostart {
		accounts, err := st.ListAccounts(ctx)
		if err != nil {
			logger.Error("listing accounts", "error", err)
		} else {
			for _, acc := range accounts {
				if acc.Status == store.StatusError {
					logger.Warn("skipping account in error state", "account", acc.ID)
					continue
				}
				if err := reg.Initialize(ctx, acc.ID); err != nil {
					logger.Error("account boot failed", "account", acc.ID, "error", err)
				}
			}
			logger.Info("accounts booted", "count", len(accounts))
		}
	}

	logger.Info("wagateway running. Press Ctrl+C to stop.",
		"database", cfg.Database,
		"sessions_dir", cfg.SessionsDir,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		maint.Stop()
		// Flush the ledger one last time before sessions drop.
		if entries := rt.Ledger().Snapshot(); len(entries) > 0 {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := st.SaveLedger(flushCtx, entries); err != nil {
				logger.Warn("final ledger flush failed", "error", err)
			}
			flushCancel()
		}
		_ = engine.Close()
		rt.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		reg.Close(shutdownCtx)
		shutdownCancel()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out, forcing exit")
	}

	return nil
}
