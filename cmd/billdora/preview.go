package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/billdora/billing-engine/billing"
	"github.com/billdora/billing-engine/logger"
	"github.com/billdora/billing-engine/session"
	"github.com/billdora/billing-engine/store/sqlite"
)

var (
	previewDB   string
	previewMode string
)

var previewCmd = &cobra.Command{
	Use:   "preview <project>",
	Short: "Print the engine output with every candidate selected",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := billing.ParseMode(previewMode)
		if !mode.IsValid() {
			return fmt.Errorf("unknown mode %q", previewMode)
		}
		if cmd.Flags().Changed("db") {
			cfg.Database.Path = previewDB
		}
		store, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()

		ctrl := session.NewController(store, logger.WithComponent("session"), controllerOptions(cfg))
		s, err := ctrl.Open(cmd.Context(), billing.ProjectID(args[0]), mode)
		if err != nil {
			return err
		}
		defer s.Cancel()

		if mode.IsTaskMode() {
			for _, t := range s.Candidates().Tasks {
				if err := s.SelectTask(t.ID); err != nil {
					return err
				}
			}
		}
		printCalculation(cmd.OutOrStdout(), s.Calculation(), s.LoadWarnings())
		return nil
	},
}

func init() {
	previewCmd.Flags().StringVar(&previewDB, "db", "billdora.db", "SQLite database path")
	previewCmd.Flags().StringVar(&previewMode, "mode", string(billing.ModeTimeMaterials), "time_materials|milestone|percentage")
}

func printCalculation(w io.Writer, calc billing.Calculation, warnings []string) {
	fmt.Fprintf(w, "Mode: %s\n", calc.Mode)
	for _, msg := range warnings {
		fmt.Fprintf(w, "Warning: %s\n", msg)
	}

	for _, a := range calc.Tasks {
		fmt.Fprintf(w, "  %-32s %7s of %-12s (prior %s) %12s\n",
			a.TaskName,
			billing.FormatPercentage(a.PercentageToBill),
			billing.FormatCurrency(a.Budget),
			billing.FormatPercentage(a.PriorPercentage),
			billing.FormatCurrency(a.AmountToBill))
	}
	for _, l := range calc.TimeLines {
		fmt.Fprintf(w, "  %s %-28s %6sh @ %-10s %12s\n",
			l.Date.Format("2006-01-02"), l.Description, l.Hours.String(),
			billing.FormatCurrency(l.Rate), billing.FormatCurrency(l.Amount))
	}
	for _, l := range calc.ExpenseLines {
		fmt.Fprintf(w, "  %s %-28s %-19s %12s\n",
			l.Date.Format("2006-01-02"), l.Description, l.Category, billing.FormatCurrency(l.Amount))
	}
	for _, msg := range calc.WarningMessages() {
		fmt.Fprintf(w, "NTE: %s\n", msg)
	}

	fmt.Fprintf(w, "Subtotal: %s\n", billing.FormatCurrency(calc.Subtotal))
	if !calc.TaxAmount.IsZero() {
		fmt.Fprintf(w, "Tax:      %s\n", billing.FormatCurrency(calc.TaxAmount))
	}
	fmt.Fprintf(w, "Total:    %s\n", billing.FormatCurrency(calc.Total))
	if !calc.Valid() {
		fmt.Fprintf(w, "Not committable: %s\n", calc.ValidationMessage())
	}
}
