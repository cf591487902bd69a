package task

import "errors"

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as caused by the input rather than the environment.
// The retry policy still retries it like any other error; the mark only shows up
// in logs and in the failure reason written to the ledger.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Class names the error class for logging: "permanent" or "transient".
func Class(err error) string {
	var p *permanentError
	if errors.As(err, &p) {
		return "permanent"
	}
	return "transient"
}
