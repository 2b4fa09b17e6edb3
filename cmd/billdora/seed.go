package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/billdora/billing-engine/api"
	"github.com/billdora/billing-engine/store/sqlite"
)

var seedDB string

var seedCmd = &cobra.Command{
	Use:   "seed <scenario>",
	Short: "Reset the database and load a demo scenario",
	Long:  "Reset the database and load a demo scenario. Available scenarios: " + scenarioIDs(),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("db") {
			cfg.Database.Path = seedDB
		}
		store, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()

		scenario, err := api.SeedScenario(cmd.Context(), store, args[0], time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s into %s (project %s)\n", scenario.ID, cfg.Database.Path, scenario.ProjectID)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedDB, "db", "billdora.db", "SQLite database path")
}

func scenarioIDs() string {
	var ids []string
	for _, s := range api.Scenarios() {
		ids = append(ids, s.ID)
	}
	return strings.Join(ids, ", ")
}
