// Package cmd implements the clawstream CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawstream/internal/config"
	"github.com/nextlevelbuilder/clawstream/internal/store"
	filestore "github.com/nextlevelbuilder/clawstream/internal/store/file"
	pgstore "github.com/nextlevelbuilder/clawstream/internal/store/pg"
	sqlitestore "github.com/nextlevelbuilder/clawstream/internal/store/sqlite"
)

var (
	configPath string
	verbose    bool
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clawstream",
		Short: "Streaming client for live agent event streams",
		Long: `clawstream consumes a live agent event stream and reconstructs the
in-progress turn: streamed text, tool calls, approvals, and reconnect state.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.clawstream/config.json5)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.AddCommand(chatCmd())
	root.AddCommand(sessionsCmd())
	return root
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// openStore builds the execution store selected by config.
func openStore(cfg *config.Config) (store.ExecutionStore, error) {
	sc := cfg.StoreConfig()
	switch sc.Mode {
	case "sqlite":
		return sqlitestore.NewExecutionStore(sc.SQLitePath)
	case "postgres":
		return pgstore.NewExecutionStore(sc.PostgresDSN)
	default:
		if err := os.MkdirAll(config.DefaultDir(), 0o755); err != nil {
			return nil, err
		}
		return filestore.NewExecutionStore(sc.FilePath)
	}
}
