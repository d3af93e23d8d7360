package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/banshee-data/callaudit/internal/config"
	"github.com/banshee-data/callaudit/internal/db"
	"github.com/banshee-data/callaudit/internal/workflow"
)

const defaultDBFile = "callaudit.db"

var rootCmd = newRootCmd()

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callaudit",
		Short: "Multi-annotator labeling coordinator for earnings-call transcripts",
		Long: `callaudit hands out batches of transcript samples to a small team of
annotators, records their labels, tracks progress against targets and
exports double-annotated and adjudicated results as CSV.

Settings are read from flags, then CALLAUDIT_* environment variables,
then defaults.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().String("db", defaultDBFile, "path to the SQLite database")
	cmd.PersistentFlags().String("config", "", "YAML file with roster, task targets and limits (default: built-in)")
	_ = viper.BindPFlag("db", cmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newImportCmd(),
		newExportCmd(),
		newAutoFillCmd(),
		newVersionCmd(),
	)
	return cmd
}

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig maps CALLAUDIT_DB, CALLAUDIT_LISTEN and friends onto the flags.
func initConfig() {
	viper.SetEnvPrefix("CALLAUDIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the configured YAML file, or the defaults when none is set.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded config from %s", path)
	return cfg, nil
}

// openService opens and migrates the database, seeds the roster and task
// configs, and returns a service over it. The caller closes the database.
func openService(ctx context.Context) (*db.DB, *workflow.Service, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	database, err := db.NewDB(viper.GetString("db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.UpsertUsers(ctx, cfg.Users); err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("seed users: %w", err)
	}
	if err := database.EnsureTaskConfigs(ctx, cfg.Tasks); err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("seed task configs: %w", err)
	}
	svc := workflow.NewService(database, workflow.WithClaimTTL(cfg.ClaimTTL))
	return database, svc, cfg, nil
}
