package fit

// Settings configures the minimizer runs of a fit.
type Settings struct {
	// MaxIterations is the simplex step budget shared by all restarts.
	// Zero selects 1000 times the square of the number of free parameters.
	MaxIterations int

	// MaxRestarts is the number of additional rounds after the first one.
	// Zero runs a single minimization and accepts its result.
	MaxRestarts int

	// MaxRelError is the relative tolerance on the residual sum of squares.
	MaxRelError float64

	// ParamResolutions stops a simplex once all of its vertices are this
	// close to the best one, per full parameter. Nil disables the check.
	ParamResolutions []float64

	// Seed makes restarts reproducible.
	Seed int64

	// SingleThread runs both minimizations of a round on the calling goroutine.
	SingleThread bool
}

// DefaultSettings returns the settings used by a new CurveFitter.
func DefaultSettings() Settings {
	return Settings{
		MaxRestarts: 2,
		MaxRelError: 1e-10,
		Seed:        1,
	}
}
