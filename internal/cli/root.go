// Package cli implements the summad command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/summa-ledger/summad/internal/config"
	"github.com/summa-ledger/summad/internal/di"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "summad",
	Short: "summad - durable double-entry ledger daemon",
	Long: `summad is a PostgreSQL-backed double-entry accounting ledger with
hash-chained events, versioned balances and a transactional outbox.
Running summad without a subcommand starts the server.`,
	Version: "0.1.0",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

// Execute runs the command tree. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
}

// loadContainer loads configuration and assembles the service container.
func loadContainer() (*di.Container, *config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	container := di.New()
	di.NewProvider(container, cfg).RegisterAll()
	return container, cfg, nil
}
