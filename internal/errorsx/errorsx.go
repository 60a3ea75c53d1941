package errorsx

import (
	"errors"

	perrors "github.com/pkg/errors"
)

// String useful wrapper for string constants as errors.
type String string

func (t String) Error() string {
	return string(t)
}

// Wrap annotates cause with a message and a stack, nil stays nil.
func Wrap(cause error, msg string) error {
	return perrors.Wrap(cause, msg)
}

// Wrapf annotates cause with a formatted message and a stack, nil stays nil.
func Wrapf(cause error, format string, args ...any) error {
	return perrors.Wrapf(cause, format, args...)
}

// WithStack attaches a stack to the error.
func WithStack(cause error) error {
	return perrors.WithStack(cause)
}

// Errorf formats an error with a stack.
func Errorf(format string, args ...any) error {
	return perrors.Errorf(format, args...)
}

// Compact returns the first error in the set, if any.
func Compact(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

func Must[T any](v T, err error) T {
	if err == nil {
		return v
	}

	panic(err)
}

// returns nil if the error matches any of the targets
func Ignore(err error, targets ...error) error {
	for _, target := range targets {
		if errors.Is(err, target) {
			return nil
		}
	}

	return err
}

// returns true if the error matches any of the targets.
func Is(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}
