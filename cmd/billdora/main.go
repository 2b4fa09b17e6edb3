/*
main.go - Application entry point

PURPOSE:
  Billdora command line. Loads configuration, sets up logging, and
  dispatches to the serve, seed, and preview commands.

CONFIGURATION:
  --config  YAML file (default ~/.config/billdora/config.yaml)
  A .env file and BILLDORA_* variables override the file. See package config.

COMMANDS:
  serve     Run the HTTP API
  seed      Reset the database and load a demo scenario
  preview   Print the engine output for a project with every candidate selected

EXAMPLES:
  # Run with file database
  billdora serve --db ./data/billdora.db

  # Run with in-memory database on another port
  billdora serve --db :memory: --port 3000

  # Load demo data, then look at it
  billdora seed tm-basic
  billdora preview proj-harbor --mode time_materials

SEE ALSO:
  - api/server.go: Router configuration
  - session/controller.go: Billing sessions
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/billdora/billing-engine/config"
	"github.com/billdora/billing-engine/logger"
	"github.com/billdora/billing-engine/session"
)

var version = "0.1.0"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "billdora",
	Short: "Billdora invoice calculation engine",
	Long: `Billdora turns a project's tasks, approved time, and expenses into
invoices, billing by time & materials, milestone, or percentage complete.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := loaded.ApplyEnv(); err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if err := logger.Setup(loaded.LoggerConfig()); err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file")
	rootCmd.AddCommand(serveCmd, seedCmd, previewCmd)
}

// controllerOptions maps config onto session controller options.
func controllerOptions(c *config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.DefaultHourlyRate = c.DefaultRate()
	opts.TaxRate = c.Tax()
	opts.RetryAttempts = c.Session.RetryAttempts
	opts.RetryInitialDelay = c.Session.RetryInitialDelay
	opts.CommitConcurrency = c.Session.CommitConcurrency
	return opts
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
