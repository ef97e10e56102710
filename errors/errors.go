// Package errors is a drop-in replacement for the standard errors package
// with message wrapping that keeps the cause reachable for [Is] and [As].
package errors

import (
	"errors"
	"fmt"
)

var ErrUnsupported = errors.ErrUnsupported

type wrappedError struct {
	cause error
	msg   string
}

func (w *wrappedError) Error() string {
	return w.msg + ": " + w.cause.Error()
}

func (w *wrappedError) Unwrap() error {
	return w.cause
}

func wrap(cause error, msg string) error {
	if cause == nil {
		return nil
	}

	if msg == "" {
		return cause
	}

	return &wrappedError{cause: cause, msg: msg}
}

// New calls [errors.New].
//
//go:inline
func New(text string) error {
	return errors.New(text) //nolint:err113
}

// Errorf calls [fmt.Errorf].
//
//go:inline
func Errorf(format string, vals ...any) error {
	return fmt.Errorf(format, vals...) //nolint:err113
}

// Wrap annotates cause with text. It returns nil if cause is nil.
func Wrap(cause error, text string) error {
	return wrap(cause, text)
}

// Wrapf annotates cause with a formatted message. It returns nil if cause is nil.
func Wrapf(cause error, format string, vals ...any) error {
	if cause == nil {
		return nil
	}

	return wrap(cause, fmt.Sprintf(format, vals...))
}

// Unwrap calls [errors.Unwrap].
//
//go:inline
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Join calls [errors.Join].
//
//go:inline
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is calls [errors.Is].
//
//go:inline
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// IsAny reports whether err matches any of targets.
func IsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// As calls [errors.As].
//
//go:inline
func As(err error, target any) bool {
	return errors.As(err, target)
}
