package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/summa-ledger/summad/internal/di"
	"github.com/summa-ledger/summad/internal/schema"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Compare the live database schema against the table dictionary and
apply the additive changes (missing tables, columns and indexes).
Migrations never drop or alter existing columns.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "print the plan without applying it")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	container, _, err := loadContainer()
	if err != nil {
		return err
	}
	log := container.MustGet(di.ServiceLogger).(*zap.Logger)
	defer log.Sync()

	dbAny, err := container.Get(di.ServiceDB)
	if err != nil {
		return err
	}
	defer dbAny.(*sqldb.DB).Close()

	migratorAny, err := container.Get(di.ServiceMigrator)
	if err != nil {
		return err
	}
	migrator := migratorAny.(*schema.Migrator)

	ctx := context.Background()
	if migrateDryRun {
		plan, err := migrator.Plan(ctx)
		if err != nil {
			return err
		}
		if plan.Empty() {
			fmt.Println("schema is up to date")
			return nil
		}
		fmt.Printf("pending: %d tables, %d columns, %d indexes\n",
			len(plan.CreateTables), len(plan.AddColumns), len(plan.AddIndexes))
		return nil
	}
	return migrator.Up(ctx)
}
