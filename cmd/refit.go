package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/cwbudde/curvefit/internal/store"
	"github.com/spf13/cobra"
)

var (
	refitData     string
	refitSeed     int64
	refitRestarts int
)

var refitCmd = &cobra.Command{
	Use:   "refit [job-id]",
	Short: "Fit again starting from a stored result",
	Long: `Loads a stored fit record and fits its function again, starting from the
stored parameters. With --data the function is fitted to new y values
measured at the same number of points.`,
	Args: cobra.ExactArgs(1),
	RunE: runRefit,
}

func init() {
	refitCmd.Flags().StringVar(&refitData, "data", "", "CSV file with new data (same number of points)")
	refitCmd.Flags().Int64Var(&refitSeed, "seed", 0, "Random seed (default: the stored seed)")
	refitCmd.Flags().IntVar(&refitRestarts, "restarts", 0, "Number of restarts (default: the stored value)")
	refitCmd.Flags().BoolVar(&saveRecord, "save", false, "Store the result in --data-dir")
	refitCmd.Flags().BoolVar(&showResiduals, "residuals", false, "Print fitted values and residuals")
	refitCmd.Flags().StringVar(&plotPath, "plot", "", "Write a PNG plot of data and fit")
	rootCmd.AddCommand(refitCmd)
}

func runRefit(cmd *cobra.Command, args []string) error {
	recordStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create record store: %w", err)
	}

	record, err := recordStore.LoadRecord(args[0])
	if err != nil {
		return err
	}

	config := record.Config
	config.InitialParams = append([]float64(nil), record.Params...)
	if cmd != nil && cmd.Flags().Changed("seed") {
		config.Seed = refitSeed
	}
	if cmd != nil && cmd.Flags().Changed("restarts") {
		config.MaxRestarts = refitRestarts
	}
	if refitData != "" {
		x, y, err := readDataFile(refitData)
		if err != nil {
			return err
		}
		config.X, config.Y = x, y
	}

	if err := record.IsCompatible(config); err != nil {
		return fmt.Errorf("cannot refit %s: %w", record.JobID, err)
	}

	slog.Info("Refitting stored record", "job_id", record.JobID, "params", record.Params)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return fitAndReport(ctx, cmd, config)
}
