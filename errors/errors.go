package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// configError marks an error as a fatal configuration problem: something
// missing or invalid that must be fixed before a session can be constructed.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// Config creates a configuration error. Callers detect it with IsConfig.
func Config(format string, a ...interface{}) error {
	return &configError{err: fmt.Errorf(format, a...)}
}

// WrapConfig marks an existing error as a configuration error.
func WrapConfig(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}

// IsConfig reports whether err (or anything it wraps) is a configuration error.
func IsConfig(err error) bool {
	var ce *configError
	return stderrors.As(err, &ce)
}
