package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/config"
	"github.com/archon-kb/archon/db"
	"github.com/archon-kb/archon/migrations"
	"github.com/archon-kb/archon/version"
)

var migrateVerify bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply pending schema migrations",
	Long: `Apply pending schema migrations in order, recording each in the
migration ledger. With --verify, no migrations are applied; the command
fails if an applied migration's checksum no longer matches its file.`,
	RunE: runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(version.GetBuildInfo())
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateVerify, "verify", false, "verify applied checksums without applying anything")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx := cmd.Context()
	pg, err := db.NewPostgres(ctx, connString(cfg), cfg.Database.MaxConnections)
	if err != nil {
		return common.Wrap(common.KindStorageUnavailable, err, "connect to database")
	}
	defer pg.Close()

	migs, err := db.LoadMigrations(migrations.Files)
	if err != nil {
		return err
	}

	migrator := db.NewMigrator(pg, common.Logger)
	if migrateVerify {
		return migrator.Verify(ctx, migs)
	}
	return migrator.Up(ctx, migs)
}
