package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/cardsync/storage/postgres"
)

var printSchema bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if printSchema {
			fmt.Fprint(cmd.OutOrStdout(), postgres.Schema())
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StoreBackend != backendPostgres {
			return fmt.Errorf("migrate only applies to the %s backend, STORE_BACKEND is %q", backendPostgres, cfg.StoreBackend)
		}
		if err := cfg.validateStore(); err != nil {
			return err
		}

		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.DatabaseURL
		pgCfg.CleanupEnabled = false
		pg, err := postgres.New(cmd.Context(), pgCfg)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&printSchema, "print", false, "print the schema instead of applying it")
}
