package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// statusCmd reports the local configuration state: config dir, catalog
// size, watcher and auth settings.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the aggregator configuration status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	settings, store, err := openStore()
	if err != nil {
		return err
	}
	catalog, err := store.Load()
	if err != nil {
		return err
	}

	enabled := 0
	for _, srv := range catalog.Servers {
		if srv.Enabled {
			enabled++
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendRow(table.Row{"Config dir", settings.ConfigDir})
	t.AppendRow(table.Row{"Catalog", store.Path()})
	t.AppendRow(table.Row{"Servers", fmt.Sprintf("%d (%d enabled)", len(catalog.Servers), enabled)})
	t.AppendRow(table.Row{"Endpoint", fmt.Sprintf("http://%s:%d/mcp", settings.Host, settings.Port)})
	t.AppendRow(table.Row{"Self prefix", settings.SelfPrefix})
	t.AppendRow(table.Row{"Separator", settings.Separator})
	t.AppendRow(table.Row{"Auto reload", settings.AutoReload})
	t.AppendRow(table.Row{"Read only", settings.ReadOnly})
	t.Render()
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
