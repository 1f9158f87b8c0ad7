package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message. It's a drop-in replacement
// for the standard library's errors.New so that callers only need to import
// one errors package.
func New(msg string) error {
	return goErrors.New(msg)
}

// contextError annotates an error with a short description of what was
// happening when it occurred.
type contextError struct {
	context string
	err     error
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// WithContext wraps `err` with `context`. The returned error prints as
// "context: err". Nil errors stay nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, err: err}
}

// RootCause strips every layer of context from `err`.
func RootCause(err error) error {
	for {
		unwrapped := goErrors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goErrors.As(err, target)
}

// FriendlyError is an error whose message is meant to be shown to the user
// as-is, without the chain of contexts that led to it.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// NewFriendlyError creates an error that should be printed directly to the
// user.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(format, args...)}
}

// GetPrintableMessage returns the message that should be displayed to the
// user for `err`. Friendly errors anywhere in the chain win over the raw
// error string.
func GetPrintableMessage(err error) string {
	var friendly FriendlyError
	if goErrors.As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}
