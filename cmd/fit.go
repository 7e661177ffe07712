package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/cwbudde/curvefit/internal/fit"
	"github.com/cwbudde/curvefit/internal/minimizer"
	"github.com/cwbudde/curvefit/internal/plot"
	"github.com/cwbudde/curvefit/internal/server"
	"github.com/cwbudde/curvefit/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	jobPath       string
	dataPath      string
	fitTypeName   string
	formula       string
	initialParams string
	maxIter       int
	maxRestarts   int
	maxRelError   float64
	seed          int64
	preSearch     bool
	saveRecord    bool
	showResiduals bool
	plotPath      string
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit a function to CSV data",
	Long: `Fits a built-in function (--type) or a formula (--formula) to x,y data
read from a CSV file and prints the parameters and goodness of fit.

A YAML job file (--job) can hold the whole request; flags given on the
command line override it.`,
	Example: `  curvefit fit --data points.csv --type exp-recovery
  curvefit fit --data points.csv --formula "y = a + b*exp(-c*x)" --presearch
  curvefit fit --job decay.yaml --seed 3`,
	RunE: runFit,
}

func init() {
	fitCmd.Flags().StringVar(&jobPath, "job", "", "YAML job file with the fit request")
	fitCmd.Flags().StringVar(&dataPath, "data", "", "CSV file with x,y columns, - for stdin")
	fitCmd.Flags().StringVar(&fitTypeName, "type", "", "Built-in function name, alias or code (see 'families')")
	fitCmd.Flags().StringVar(&formula, "formula", "", "Custom formula, e.g. \"y = a*exp(-b*x)\"")
	fitCmd.Flags().StringVar(&initialParams, "params", "", "Comma-separated initial parameters")
	fitCmd.Flags().IntVar(&maxIter, "max-iter", 0, "Iteration budget (0 = automatic)")
	fitCmd.Flags().IntVar(&maxRestarts, "restarts", 2, "Number of restarts (0 = single minimization)")
	fitCmd.Flags().Float64Var(&maxRelError, "max-error", 1e-10, "Relative error limit of the residual sum")
	fitCmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	fitCmd.Flags().BoolVar(&preSearch, "presearch", false, "Seed formulas with a mayfly pre-search")
	fitCmd.Flags().BoolVar(&saveRecord, "save", false, "Store the result in --data-dir")
	fitCmd.Flags().BoolVar(&showResiduals, "residuals", false, "Print fitted values and residuals")
	fitCmd.Flags().StringVar(&plotPath, "plot", "", "Write a PNG plot of data and fit")

	rootCmd.AddCommand(fitCmd)
}

func runFit(cmd *cobra.Command, args []string) error {
	config, err := fitConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return fitAndReport(ctx, cmd, config)
}

// fitConfig builds the fit request from --job and the fit flags. With a job
// file only flags set on the command line apply.
func fitConfig(cmd *cobra.Command) (store.JobConfig, error) {
	if jobPath == "" && dataPath == "" {
		return store.JobConfig{}, errors.New("either --data or --job is required")
	}

	var config store.JobConfig
	if jobPath != "" {
		var err error
		if config, err = readJobFile(jobPath); err != nil {
			return store.JobConfig{}, err
		}
	}
	set := func(name string) bool {
		return jobPath == "" || cmd.Flags().Changed(name)
	}

	if dataPath != "" {
		x, y, err := readDataFile(dataPath)
		if err != nil {
			return store.JobConfig{}, err
		}
		config.X, config.Y = x, y
	}

	switch {
	case jobPath == "":
		config.FitType, config.Formula = fitTypeName, formula
	case cmd.Flags().Changed("type"):
		config.FitType, config.Formula = fitTypeName, ""
	case cmd.Flags().Changed("formula"):
		config.FitType, config.Formula = "", formula
	}

	if set("params") {
		params, err := parseParams(initialParams)
		if err != nil {
			return store.JobConfig{}, err
		}
		config.InitialParams = params
	}
	if set("max-iter") {
		config.MaxIterations = maxIter
	}
	if set("restarts") {
		config.MaxRestarts = maxRestarts
	}
	if set("max-error") {
		config.MaxRelError = maxRelError
	}
	if set("seed") {
		config.Seed = seed
	}
	if set("presearch") {
		config.PreSearch = preSearch
	}
	return config, nil
}

// fitAndReport runs a fit, prints its result and optionally stores it.
func fitAndReport(ctx context.Context, cmd *cobra.Command, config store.JobConfig) error {
	slog.Info("Starting fit", "fit_type", config.FitType, "formula", config.Formula, "points", len(config.X))

	progress := func(p minimizer.Progress) {
		slog.Debug("Minimization finished",
			"round", p.Round,
			"worker", p.Worker,
			"status", p.Status.String(),
			"sse", p.Value,
			"iterations", p.Iterations,
		)
	}

	cf, err := server.RunFit(ctx, config, progress)
	if err != nil {
		return err
	}

	out := outWriter(cmd)
	fmt.Fprint(out, cf.ResultString())

	if server.Failed(cf) {
		return errors.New(cf.StatusString())
	}

	if showResiduals {
		printResiduals(out, cf, config.X, config.Y)
	}

	if plotPath != "" {
		if err := writePlot(plotPath, cf, config.X, config.Y); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s\n", plotPath)
	}

	if saveRecord {
		recordStore, err := store.NewFSStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to create record store: %w", err)
		}
		jobID := uuid.New().String()
		record, err := server.NewRecord(jobID, config, cf)
		if err != nil {
			return err
		}
		if err := recordStore.SaveRecord(jobID, record); err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}
		fmt.Fprintf(out, "Saved record %s\n", jobID)
	}

	slog.Info("Fit complete",
		"elapsed", cf.Elapsed(),
		"status", cf.StatusString(),
		"sse", cf.SumResidualsSqr(),
		"iterations", cf.Iterations(),
	)
	return nil
}

func printResiduals(out io.Writer, cf *fit.CurveFitter, x, y []float64) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "X\tY\tFIT\tRESIDUAL")
	residuals := cf.Residuals()
	for i := range x {
		fmt.Fprintf(w, "%g\t%g\t%.6g\t%.6g\n", x[i], y[i], cf.F(x[i]), residuals[i])
	}
	w.Flush()
}

func writePlot(path string, cf *fit.CurveFitter, x, y []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create plot: %w", err)
	}
	defer f.Close()

	opts := plot.DefaultOptions()
	opts.Title = cf.Formula()
	if err := plot.Render(f, x, y, cf.F, opts); err != nil {
		return fmt.Errorf("failed to render plot: %w", err)
	}
	return f.Close()
}
