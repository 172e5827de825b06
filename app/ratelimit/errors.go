package ratelimit

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

type (
	// PolicyConfigurationError is the only error allowed to abort startup.
	PolicyConfigurationError struct {
		Category Category
		Reason   string
	}

	// UnexpectedEngineError carries a stack trace; print it with %+v.
	UnexpectedEngineError struct {
		err error
	}
)

var (
	ErrStoreUnavailable = errors.New("counter store unavailable")
	ErrDefaultMissing   = &PolicyConfigurationError{Category: Default, Reason: "default category must be configured"}
)

func (e *PolicyConfigurationError) Error() string {
	return fmt.Sprintf("invalid rate limit policy %q: %s", e.Category, e.Reason)
}

func newUnexpectedEngineError(err error) *UnexpectedEngineError {
	return &UnexpectedEngineError{err: pkgerrors.WithStack(err)}
}

func recoveredEngineError(v interface{}) *UnexpectedEngineError {
	if err, ok := v.(error); ok {
		return &UnexpectedEngineError{err: pkgerrors.Wrap(err, "recovered from panic")}
	}

	return &UnexpectedEngineError{err: pkgerrors.Errorf("recovered from panic: %v", v)}
}

func (e *UnexpectedEngineError) Error() string {
	return "unexpected rate limit engine error: " + e.err.Error()
}

func (e *UnexpectedEngineError) Unwrap() error {
	return e.err
}

func (e *UnexpectedEngineError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "unexpected rate limit engine error: %+v", e.err)
		return
	}

	fmt.Fprint(s, e.Error())
}
