package minimizer

// Status is the outcome of a Minimize call.
type Status int

const (
	// Success means at least two independent minimizations agreed within the error limit.
	Success Status = iota
	// InitializationFailure means no starting simplex with finite values could be built.
	InitializationFailure
	// Aborted means Abort was called or the context was cancelled.
	Aborted
	// ReinitializationFailure means a simplex rebuild around the best vertex failed.
	ReinitializationFailure
	// MaxIterationsExceeded means the global iteration budget ran out.
	MaxIterationsExceeded
	// MaxRestartsExceeded means all rounds ran without two agreeing results.
	MaxRestartsExceeded
)

var statusText = [...]string{
	Success:                 "Success",
	InitializationFailure:   "Initialization failure; no result",
	Aborted:                 "Aborted",
	ReinitializationFailure: "Re-initialization failure (inaccurate result?)",
	MaxIterationsExceeded:   "Max. no. of iterations reached (inaccurate result?)",
	MaxRestartsExceeded:     "Max. no. of restarts reached (inaccurate result?)",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusText) {
		return "Unknown status"
	}
	return statusText[s]
}

// Terminal reports whether no further rounds may run after this status.
func (s Status) Terminal() bool {
	return s == InitializationFailure || s == Aborted
}

// Accurate reports whether the result can be trusted without caveats.
func (s Status) Accurate() bool {
	return s == Success
}
