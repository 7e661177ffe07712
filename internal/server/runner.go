package server

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cwbudde/curvefit/internal/fit"
	"github.com/cwbudde/curvefit/internal/minimizer"
	"github.com/cwbudde/curvefit/internal/opt"
	"github.com/cwbudde/curvefit/internal/store"
)

// Pre-search settings for formulas fitted without initial parameters.
const (
	preSearchIters   = 60
	preSearchPopSize = 20
)

// RunFit fits the request's function to its data. Data problems do not
// produce an error; they are reported by the fitter's status.
func RunFit(ctx context.Context, config JobConfig, progress func(minimizer.Progress)) (*fit.CurveFitter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cf, err := fit.New(config.X, config.Y)
	if err != nil {
		return nil, err
	}

	settings := fit.DefaultSettings()
	settings.MaxIterations = config.MaxIterations
	settings.MaxRestarts = config.MaxRestarts
	if config.MaxRelError > 0 {
		settings.MaxRelError = config.MaxRelError
	}
	settings.Seed = config.Seed
	cf.SetSettings(settings)
	cf.SetInitialParams(config.InitialParams)
	if progress != nil {
		cf.SetProgressFunc(progress)
	}

	if config.Formula != "" {
		if config.PreSearch {
			cf.SetPreSearch(opt.NewMayfly(preSearchIters, preSearchPopSize, config.Seed))
		}
		if _, err := cf.DoCustomFit(ctx, config.Formula, config.InitialParams); err != nil {
			return nil, err
		}
		return cf, nil
	}

	family, err := fit.LookupName(config.FitType)
	if err != nil {
		return nil, err
	}
	if err := cf.DoFit(ctx, family.Type); err != nil {
		return nil, err
	}
	return cf, nil
}

// RestoreFit rebuilds the fitter of a stored result from its parameters
// without minimizing.
func RestoreFit(config JobConfig, params []float64) (*fit.CurveFitter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cf, err := fit.New(config.X, config.Y)
	if err != nil {
		return nil, err
	}
	if config.Formula != "" {
		if err := cf.UseFormulaParams(config.Formula, params); err != nil {
			return nil, err
		}
		return cf, nil
	}
	family, err := fit.LookupName(config.FitType)
	if err != nil {
		return nil, err
	}
	if err := cf.UseParams(family.Type, params); err != nil {
		return nil, err
	}
	return cf, nil
}

// Failed reports whether a finished fit produced no usable parameters.
func Failed(cf *fit.CurveFitter) bool {
	if cf.Status() == minimizer.InitializationFailure {
		return true
	}
	for _, p := range cf.Params() {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return true
		}
	}
	return len(cf.Params()) == 0
}

// NewRecord builds the persisted record of a finished fit.
func NewRecord(jobID string, config JobConfig, cf *fit.CurveFitter) (*store.FitRecord, error) {
	fingerprint, err := store.Fingerprint(config)
	if err != nil {
		return nil, err
	}

	rsq := cf.RSquared()
	if math.IsNaN(rsq) || math.IsInf(rsq, 0) {
		return nil, fmt.Errorf("fit has no valid R²")
	}

	return &store.FitRecord{
		JobID:       jobID,
		Fingerprint: fingerprint,
		FitType:     fitTypeName(cf),
		Equation:    cf.Formula(),
		Params:      cf.Params(),
		Status:      cf.StatusString(),
		Accurate:    cf.Status().Accurate(),
		SSE:         cf.SumResidualsSqr(),
		RSquared:    rsq,
		Iterations:  cf.Iterations(),
		Restarts:    cf.Restarts(),
		Elapsed:     cf.Elapsed(),
		Timestamp:   time.Now(),
		Config:      config,
	}, nil
}
