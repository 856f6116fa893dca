package campaign

import (
	"errors"
	"fmt"
)

var (
	// ErrTransitionIgnored is returned when a transition arrives inside the cooldown window
	ErrTransitionIgnored = errors.New("transition ignored: requested too soon after the previous one")
	// ErrClosed is returned by a composer that is not open
	ErrClosed = errors.New("composer is closed")
	// ErrDispatchInProgress is returned when the run is mutated while sending
	ErrDispatchInProgress = errors.New("dispatch in progress")
	// ErrWrongStep is wrapped by StepError
	ErrWrongStep = errors.New("operation not allowed at the current step")
	// ErrAlreadyDispatched is returned when send is requested twice in one run
	ErrAlreadyDispatched = errors.New("run has already been dispatched")
)

// ValidationError is an operator-correctable input problem. It blocks the
// transition that detected it and never reaches the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// StepError is returned when an operation is not valid at the current step
type StepError struct {
	Op   string
	Step Step
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s is not allowed at step %s", e.Op, e.Step)
}

func (e *StepError) Unwrap() error {
	return ErrWrongStep
}

// DispatchError is a run-level failure detected before any send attempt
type DispatchError struct {
	Reason string
}

func (e *DispatchError) Error() string {
	return "dispatch aborted: " + e.Reason
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
