package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"DSCLedger/internal/config"
	"DSCLedger/internal/observability"
	"DSCLedger/internal/persistence"
	"DSCLedger/internal/projection"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var dsn string

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manages the dscledger database schema",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres connection string (default: DSC_DATABASE_DSN)")

	logger := observability.NewLogger("migrate")

	withDB := func(run func(ctx context.Context, db *sql.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			return run(cmd.Context(), db)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, db *sql.DB) error {
				if err := persistence.NewMigrator(db).Up(ctx); err != nil {
					return err
				}
				logger.Info().Msg("all migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, db *sql.DB) error {
				if err := persistence.NewMigrator(db).Down(ctx); err != nil {
					return err
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, db *sql.DB) error {
				return persistence.NewMigrator(db).Status(ctx)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, db *sql.DB) error {
				v, err := persistence.NewMigrator(db).Version(ctx)
				if err != nil {
					return err
				}
				logger.Info().Int64("version", v).Msg("schema version")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "rebuild-projections",
			Short: "Truncate and rebuild the read-side projections from the journal",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, db *sql.DB) error {
				return projection.RebuildProjections(ctx, db, logger.With().Str("task", "rebuild").Logger())
			}),
		},
	)
	return root
}

func openDB(dsn string) (*sql.DB, error) {
	if dsn == "" {
		cfg, err := config.NewConfig()
		if err != nil {
			return nil, err
		}
		dsn = cfg.Database.DSN
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
