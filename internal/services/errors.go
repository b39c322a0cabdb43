package services

import "errors"

// Orchestration errors. These abort a run and are returned to the caller; every
// other failure is recorded on the run rows instead.
var (
	ErrStackDepthExceeded     = errors.New("automation stack depth exceeded")
	ErrAutomationNotFound     = errors.New("automation not found")
	ErrStageNotFound          = errors.New("stage not found")
	ErrCommunityNotFound      = errors.New("community not found")
	ErrPubNotFound            = errors.New("pub not found")
	ErrActionInstanceNotFound = errors.New("action instance not found")
	ErrTriggerNotConfigured   = errors.New("automation has no trigger for event")
	ErrRunNotFound            = errors.New("automation run not found")
	ErrInvalidDefinition      = errors.New("invalid automation definition")
)

// IsNotFound reports whether err is one of the lookup failures.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAutomationNotFound) ||
		errors.Is(err, ErrStageNotFound) ||
		errors.Is(err, ErrCommunityNotFound) ||
		errors.Is(err, ErrPubNotFound) ||
		errors.Is(err, ErrActionInstanceNotFound) ||
		errors.Is(err, ErrRunNotFound)
}

// IsFatal reports whether err aborts orchestration rather than being recorded on a run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStackDepthExceeded) || errors.Is(err, ErrTriggerNotConfigured) || IsNotFound(err)
}

// PermanentError marks a job failure that retrying cannot fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the job runner fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
