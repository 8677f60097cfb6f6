package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maloquacious/crimestore/internal/repository"
	"github.com/maloquacious/crimestore/internal/store"
	"github.com/maloquacious/crimestore/internal/store/sqlite"
)

var seedOnCreate bool

func newDBCmd() *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	dbCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and initialize the datastore",
		Args:  cobra.NoArgs,
		RunE:  runDBCreate,
	}
	dbCreateCmd.Flags().BoolVar(&seedOnCreate, "seed", false, "load the bundled sample crimes into the new store")

	dbUpgradeCmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Apply migrations to current schema version",
		Args:  cobra.NoArgs,
		RunE:  runDBUpgrade,
	}
	dbVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify schema integrity and version",
		Args:  cobra.NoArgs,
		RunE:  runDBVerify,
	}

	dbCmd.AddCommand(dbCreateCmd, dbUpgradeCmd, dbVerifyCmd)
	return dbCmd
}

type migrationSummary struct {
	Path    string `json:"path"`
	From    int    `json:"from"`
	To      int    `json:"to"`
	Applied []int  `json:"applied"`
	Created bool   `json:"created"`
}

func runDBCreate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	exists, err := store.CheckExists(cfg.Store.Path)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("datastore %s already exists; use db upgrade", cfg.Store.Path)
	}
	if cmd.Flags().Changed("seed") {
		cfg.Store.Seed = seedOnCreate
	}
	return openAndReport(cmd, cfg.Store.Path, func(ctx context.Context) (*repository.Repository, error) {
		return repository.Open(ctx, cfg, repository.WithLogger(log))
	})
}

func runDBUpgrade(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	exists, err := store.CheckExists(cfg.Store.Path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("datastore %s does not exist; use db create", cfg.Store.Path)
	}
	return openAndReport(cmd, cfg.Store.Path, func(ctx context.Context) (*repository.Repository, error) {
		return repository.Open(ctx, cfg, repository.WithLogger(log))
	})
}

// openAndReport opens the repository, which creates or migrates the store,
// and prints what happened.
func openAndReport(cmd *cobra.Command, path string, open func(context.Context) (*repository.Repository, error)) error {
	repo, err := open(cmd.Context())
	if err != nil {
		return err
	}
	res := repo.Migration()
	if err := repo.Close(); err != nil {
		return err
	}
	applied := res.Applied
	if applied == nil {
		applied = []int{}
	}
	return printJSON(cmd.OutOrStdout(), migrationSummary{
		Path:    path,
		From:    res.From,
		To:      res.To,
		Applied: applied,
		Created: res.Created,
	})
}

type verifySummary struct {
	Path          string `json:"path"`
	State         string `json:"state"`
	SchemaVersion int    `json:"schemaVersion"`
	Expected      int    `json:"expectedSchemaVersion"`
	OK            bool   `json:"ok"`
}

// runDBVerify inspects the store without migrating it. It fails unless the
// store is ready.
func runDBVerify(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	state, version, err := sqlite.Inspect(cmd.Context(), sqlite.Config{
		Path:        cfg.Store.Path,
		Driver:      cfg.Store.Driver,
		BusyTimeout: cfg.Store.BusyTimeout,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	summary := verifySummary{
		Path:          cfg.Store.Path,
		State:         state.String(),
		SchemaVersion: version,
		Expected:      sqlite.SchemaVersion,
		OK:            state == store.StateReady,
	}
	if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
		return err
	}
	if !summary.OK {
		return fmt.Errorf("datastore %s is %s", cfg.Store.Path, state)
	}
	return nil
}
