package cmd

import (
	"os"
	"strings"

	"magg/internal/backend"
	"magg/internal/config"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// listServersCmd prints the configured catalog as a table.
var listServersCmd = &cobra.Command{
	Use:   "list-servers",
	Short: "List the configured backend servers",
	Args:  cobra.NoArgs,
	RunE:  runListServers,
}

func runListServers(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	catalog, err := store.Load()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"NAME", "PREFIX", "TRANSPORT", "TARGET", "ENABLED", "KITS"})
	for _, name := range catalog.Names() {
		srv := catalog.Servers[name]
		target := srv.URI
		if srv.IsStdio() {
			target = srv.Command
		}
		t.AppendRow(table.Row{
			srv.Name,
			srv.EffectivePrefix(),
			string(backend.SelectTransport(srv)),
			target,
			srv.Enabled,
			strings.Join(srv.Kits, ","),
		})
	}
	t.Render()
	return nil
}

// openStore resolves settings and opens the catalog store for CLI
// commands that operate on the config directory directly. The serving
// process picks edits up through its watcher.
func openStore() (*config.Settings, *config.Store, error) {
	configDir := rootConfigDir
	if configDir == "" {
		var err error
		configDir, err = config.DefaultConfigDir()
		if err != nil {
			return nil, nil, err
		}
	}
	settings, err := config.LoadSettings(configDir)
	if err != nil {
		return nil, nil, err
	}
	store := config.NewStore(settings.CatalogPath(), settings.Separator, settings.ReadOnly)
	return settings, store, nil
}

func init() {
	rootCmd.AddCommand(listServersCmd)
}
