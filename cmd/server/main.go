// Command server runs the datamorph API, its job workers and the
// operational subcommands that share their configuration.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/datamorph/internal/config"
	"github.com/JonMunkholm/datamorph/internal/logging"
)

// app carries what every subcommand needs after PersistentPreRunE.
type app struct {
	envFile    string
	configFile string

	cfg      *config.Config
	closeLog func() error
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "datamorph",
		Short:         "File ingestion, dataset versioning and training pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before configuration (missing file is ignored)")
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "YAML configuration overlay (overrides "+config.FileEnvVar+")")

	root.AddCommand(
		newServeCmd(a),
		newWorkerCmd(a),
		newMigrateCmd(a),
		newSweepCmd(a),
		newTenantCmd(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// load reads the dotenv file and configuration, then sets up logging.
func (a *app) load() error {
	if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	path := a.configFile
	if path == "" {
		path = os.Getenv(config.FileEnvVar)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.closeLog = logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)

	slog.Debug("configuration loaded", "config", cfg.String())
	return nil
}
