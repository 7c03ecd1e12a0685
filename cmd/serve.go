package cmd

import (
	"context"
	"fmt"

	"magg/internal/aggregator"
	"magg/internal/app"
	"magg/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	serveHTTP       bool
	serveStdio      bool
	serveHybrid     bool
	servePort       int
	serveInheritEnv bool
)

// serveCmd starts the aggregator server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the magg aggregator server",
	Long: `Starts the aggregator: mounts the configured backend servers, exposes
their capabilities under aggregated names and serves MCP clients over
streamable HTTP (default), stdio, or both.

The catalog lives at <config-dir>/config.json and is reloaded
automatically when it changes (file watch, polling, SIGHUP, or the
reload_config admin tool).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	transport := aggregator.TransportStreamableHTTP
	switch {
	case serveHybrid:
		transport = aggregator.TransportHybrid
	case serveStdio && serveHTTP:
		return fmt.Errorf("--http and --stdio are exclusive, use --hybrid for both")
	case serveStdio:
		transport = aggregator.TransportStdio
	}

	if transport == aggregator.TransportStdio || transport == aggregator.TransportHybrid {
		// Stdout carries the protocol in stdio mode; logs must not.
		logging.InitForStdio(logLevel())
	}

	application, err := app.NewApplication(app.Config{
		ConfigDir:  rootConfigDir,
		Transport:  transport,
		Port:       servePort,
		Debug:      rootDebug,
		InheritEnv: serveInheritEnv,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func logLevel() logging.LogLevel {
	if rootDebug {
		return logging.LevelDebug
	}
	return logging.LevelInfo
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveHTTP, "http", false, "Serve over streamable HTTP (default)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "Serve over stdio")
	serveCmd.Flags().BoolVar(&serveHybrid, "hybrid", false, "Serve over both HTTP and stdio")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port for the HTTP transport (overrides settings)")
	serveCmd.Flags().BoolVar(&serveInheritEnv, "inherit-env", false, "Child processes inherit this process's environment plus their overlay")
}
