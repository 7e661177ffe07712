package fit

// InvalidArgumentError reports a programming error by the caller, such as an
// unknown fit type or a missing formula. Data problems are never reported
// this way; they end up in the fit status instead.
type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return "invalid argument " + e.Arg + ": " + e.Reason
}
