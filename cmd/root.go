package cmd

import (
	"errors"
	"os"

	"magg/internal/app"
	"magg/pkg/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	rootConfigDir string
	rootDebug     bool

	version = "dev"
)

// rootCmd is the base command for the magg CLI.
var rootCmd = &cobra.Command{
	Use:   "magg",
	Short: "MCP aggregator: one endpoint in front of many MCP servers",
	Long: `magg speaks the Model Context Protocol to clients while acting as a
client to many downstream MCP servers. It mounts their tools, resources
and prompts under namespaced aggregated names, reloads its catalog
dynamically and forwards notifications in both directions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A .env next to the process is a convenience for development;
		// real environment variables win.
		_ = godotenv.Load()

		level := logging.LevelInfo
		if rootDebug {
			level = logging.LevelDebug
		}
		logging.Init(level, os.Stderr)
	},
}

// SetVersion stores the build version injected via ldflags.
func SetVersion(v string) {
	version = v
}

// Execute runs the CLI and maps errors to exit codes: 0 success,
// 1 generic error, 130 user interrupt.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, app.ErrInterrupted) {
			os.Exit(130)
		}
		logging.Error("CLI", err, "Command failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigDir, "config-dir", "", "Configuration directory (default ~/.config/magg)")
	rootCmd.PersistentFlags().BoolVar(&rootDebug, "debug", false, "Enable debug logging")
}
