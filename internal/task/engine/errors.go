package engine

import "errors"

var (
	ErrDisabled   = errors.New("engine: disabled")
	ErrNotRunning = errors.New("engine: not running")
	ErrQueueFull  = errors.New("engine: queue full")
	// ErrBusy means the job's previous run is still queued or executing.
	ErrBusy = errors.New("engine: previous run still active")
)

// Permanent marks err as final: the run is recorded as failed without retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type permanentError struct{ error }

func (p permanentError) Unwrap() error { return p.error }
