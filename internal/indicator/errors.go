package indicator

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidPeriodOrdering is returned when the slow period is not
	// strictly greater than the fast period.
	ErrInvalidPeriodOrdering = errors.New("slow period must be greater than fast period")

	// ErrInsufficientHistory is advisory: the series is shorter than
	// slow+signal periods, so the leading outputs are absent. It is reported
	// in MACDResult.Warnings, never as a call error.
	ErrInsufficientHistory = errors.New("price series shorter than slow+signal periods")

	ErrInvalidPeriod  = errors.New("period must be positive")
	ErrEmptyPrices    = errors.New("price series is empty")
	ErrInvalidPrice   = errors.New("price must be a finite number")
	ErrUnknownSeeding = errors.New("unknown seeding policy")
	ErrEmptyStreamKey = errors.New("stream key is empty")
)

// ValidationError reports an invalid input field.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func validatePeriod(field string, period int) error {
	if period <= 0 {
		return &ValidationError{
			Field: field,
			Err:   errors.Wrapf(ErrInvalidPeriod, "got %d", period),
		}
	}
	return nil
}

// validatePeriods checks ordering first so that a swapped fast/slow pair is
// always reported as ErrInvalidPeriodOrdering.
func validatePeriods(fast, slow, signal int) error {
	if slow <= fast {
		return &ValidationError{
			Field: "slow_period",
			Err:   errors.Wrapf(ErrInvalidPeriodOrdering, "slow=%d fast=%d", slow, fast),
		}
	}
	if err := validatePeriod("fast_period", fast); err != nil {
		return err
	}
	if err := validatePeriod("slow_period", slow); err != nil {
		return err
	}
	return validatePeriod("signal_period", signal)
}
