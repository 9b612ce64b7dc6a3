package apperrors

import (
	"errors"
	"fmt"

	"github.com/vipul43/warncheck/internal/models"
)

var (
	ErrNoAccountAvailable = errors.New("no account available")
	ErrDeviceUnreachable  = errors.New("device unreachable")
	ErrAccountAuthFailure = errors.New("account authentication failed")
	ErrAccountUnavailable = errors.New("account unavailable")
	ErrAutomationTimeout  = errors.New("automation timeout")
	ErrPersistence        = errors.New("persistence failure")
	ErrCapReached         = errors.New("daily use cap reached")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobNotCancellable  = errors.New("job is not cancellable")
	ErrJobNotFinished     = errors.New("job has not finished")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountNotLocked   = errors.New("account is not locked out")
)

// ValidationError collects every problem found with a submission
type ValidationError struct {
	Errors []error `json:"errors"`
}

func (v *ValidationError) Add(err error) {
	v.Errors = append(v.Errors, err)
}

func (v *ValidationError) Addf(format string, args ...interface{}) {
	v.Add(fmt.Errorf(format, args...))
}

func (v *ValidationError) HasError() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	return errors.Join(v.Errors...).Error()
}

// Persistence wraps a storage error so callers can halt on it
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// Reason maps an error to the failure reason recorded on a job
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrPersistence):
		return models.ReasonPersistenceFailure
	case errors.Is(err, ErrDeviceUnreachable):
		return models.ReasonDeviceUnreachable
	case errors.Is(err, ErrNoAccountAvailable):
		return models.ReasonNoAccountAvailable
	case errors.Is(err, ErrAccountUnavailable), errors.Is(err, ErrAccountAuthFailure):
		return models.ReasonAccountUnavailable
	default:
		return models.ReasonInternal
	}
}
