package cmd

import (
	"fmt"

	"magg/internal/api"
	"magg/internal/config"

	"github.com/spf13/cobra"
)

var (
	addServerCommand string
	addServerURI     string
	addServerPrefix  string
	addServerArgs    []string
	addServerCwd     string
	addServerNotes   string
	addServerDisable bool
)

// addServerCmd adds one backend server to the catalog file. A running
// aggregator picks the change up through its config watcher.
var addServerCmd = &cobra.Command{
	Use:   "add-server <name>",
	Short: "Add a backend server to the catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddServer,
}

func runAddServer(cmd *cobra.Command, args []string) error {
	settings, store, err := openStore()
	if err != nil {
		return err
	}
	catalog, err := store.Load()
	if err != nil {
		return err
	}

	name := args[0]
	if _, exists := catalog.Servers[name]; exists {
		return api.Validationf("server %q already exists", name)
	}

	srv := &config.ServerConfig{
		Name:    name,
		Command: addServerCommand,
		URI:     addServerURI,
		Args:    addServerArgs,
		Cwd:     addServerCwd,
		Notes:   addServerNotes,
		Enabled: !addServerDisable,
	}
	if cmd.Flags().Changed("prefix") {
		srv.Prefix = &addServerPrefix
	}
	if err := config.ValidateServer(srv, settings.Separator); err != nil {
		return err
	}

	catalog.Add(srv)
	if err := store.Replace(catalog); err != nil {
		return err
	}
	fmt.Printf("Added server %s\n", name)
	return nil
}

// removeServerCmd removes one backend server from the catalog file.
var removeServerCmd = &cobra.Command{
	Use:   "remove-server <name>",
	Short: "Remove a backend server from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoveServer,
}

func runRemoveServer(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	catalog, err := store.Load()
	if err != nil {
		return err
	}

	name := args[0]
	if _, exists := catalog.Servers[name]; !exists {
		return api.NotFoundf("unknown server %q", name)
	}
	delete(catalog.Servers, name)

	if err := store.Replace(catalog); err != nil {
		return err
	}
	fmt.Printf("Removed server %s\n", name)
	return nil
}

func init() {
	rootCmd.AddCommand(addServerCmd)
	rootCmd.AddCommand(removeServerCmd)

	addServerCmd.Flags().StringVar(&addServerCommand, "command", "", "Shell-style command line for a stdio server")
	addServerCmd.Flags().StringVar(&addServerURI, "uri", "", "HTTP(S) endpoint of a remote server")
	addServerCmd.Flags().StringVar(&addServerPrefix, "prefix", "", "Namespace prefix (defaults to the name; empty keeps names verbatim)")
	addServerCmd.Flags().StringArrayVar(&addServerArgs, "arg", nil, "Extra command argument (repeatable)")
	addServerCmd.Flags().StringVar(&addServerCwd, "cwd", "", "Working directory for the child process")
	addServerCmd.Flags().StringVar(&addServerNotes, "notes", "", "Free-form notes")
	addServerCmd.Flags().BoolVar(&addServerDisable, "disabled", false, "Add without mounting")
}
