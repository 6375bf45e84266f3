// Package commands implements the wagateway CLI using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nvallejos/wagateway/pkg/wagateway/config"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wagateway",
		Short: "wagateway - multi-account WhatsApp gateway with auto-response",
		Long: `wagateway keeps many WhatsApp accounts connected at once, supervises
their sessions, and answers inbound messages through configurable AI agents.

Examples:
  wagateway serve
  wagateway accounts list
  wagateway accounts add --owner "Acme Support" --phone 15551234567
  wagateway key set`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newAccountsCmd(),
		newAgentsCmd(),
		newKeyCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig resolves the config file from the --config flag or standard
// locations, falling back to defaults when no file exists.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(path)
}

// buildLogger creates the process logger from config plus the --verbose flag.
func buildLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose || cfg.Log.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
