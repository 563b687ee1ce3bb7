package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/iotmanager/internal/infrastructure/config"
	"github.com/nerrad567/iotmanager/internal/infrastructure/logging"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down|status]",
		Short: "Apply, roll back or list SQLite schema migrations",
		Long: "Manages the SQLite schema. \"up\" applies pending migrations (default),\n" +
			"\"down\" rolls back the latest one and \"status\" lists both.\n" +
			"The bolt driver has no schema and is rejected.",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			return migrate(cmd.Context(), *configPath, action, cmd.OutOrStdout())
		},
	}
	return cmd
}

func migrate(ctx context.Context, configFlag, action string, out io.Writer) error {
	log := logging.Default()
	cfg, err := loadConfig(configFlag, log)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.DriverSQLite {
		return fmt.Errorf("migrations apply to the %q driver only, configured driver is %q",
			config.DriverSQLite, cfg.Database.Driver)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // Process exits after the command

	switch action {
	case "up":
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		fmt.Fprintln(out, "migrations applied")
	case "down":
		if err := db.MigrateDown(ctx); err != nil {
			return fmt.Errorf("rolling back migration: %w", err)
		}
		fmt.Fprintln(out, "latest migration rolled back")
	case "status":
		applied, pending, err := db.GetMigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("reading migration status: %w", err)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT")
		for _, m := range applied {
			fmt.Fprintf(tw, "%s\tapplied\t%s\n", m.Version, m.AppliedAt.Format(time.RFC3339))
		}
		for _, m := range pending {
			fmt.Fprintf(tw, "%s_%s\tpending\t-\n", m.Version, m.Name)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}
	return nil
}
