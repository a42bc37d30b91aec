package cli

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/summa-ledger/summad/internal/core/account"
	"github.com/summa-ledger/summad/internal/di"
	"github.com/summa-ledger/summad/internal/schema"
	"github.com/summa-ledger/summad/internal/server"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
	"github.com/summa-ledger/summad/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ledger daemon",
	Long: `Start the summad daemon: applies pending schema migrations, ensures
the system accounts exist, starts the background workers and serves the
HTTP and websocket API until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	container, cfg, err := loadContainer()
	if err != nil {
		return err
	}
	log := container.MustGet(di.ServiceLogger).(*zap.Logger)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := container.Get(di.ServiceDB)
	if err != nil {
		return err
	}
	defer db.(*sqldb.DB).Close()

	migrator, err := container.Get(di.ServiceMigrator)
	if err != nil {
		return err
	}
	if err := migrator.(*schema.Migrator).Up(ctx); err != nil {
		return err
	}

	accountsAny, err := container.Get(di.ServiceAccounts)
	if err != nil {
		return err
	}
	ledgerID, err := cfg.DefaultLedgerID()
	if err != nil {
		return err
	}
	if err := accountsAny.(*account.Manager).EnsureLedger(ctx, ledgerID, "default"); err != nil {
		return err
	}
	if err := accountsAny.(*account.Manager).EnsureSystemAccounts(ctx, ledgerID); err != nil {
		return err
	}

	adapterAny, err := container.Get(di.ServiceAdapter)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      adapterAny.(*server.Adapter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Workers.Enabled {
		runtimeAny, err := container.Get(di.ServiceRuntime)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return runtimeAny.(*worker.Runtime).Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
