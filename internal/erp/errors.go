package erp

import (
	"errors"
	"fmt"
)

// Class distinguishes ERP failure modes so operators can tell bad
// credentials from transient upstream load.
type Class string

const (
	ClassAuth      Class = "auth"
	ClassTransient Class = "transient"
	ClassMalformed Class = "malformed"
)

// ClientError is the classified error every fetch path returns.
type ClientError struct {
	Class Class
	Err   error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("erp %s: %v", e.Class, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

func authErr(format string, args ...any) error {
	return &ClientError{Class: ClassAuth, Err: fmt.Errorf(format, args...)}
}

func transientErr(format string, args ...any) error {
	return &ClientError{Class: ClassTransient, Err: fmt.Errorf(format, args...)}
}

func malformedErr(format string, args ...any) error {
	return &ClientError{Class: ClassMalformed, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the failure class from an error returned by this
// package; unknown errors default to transient.
func Classify(err error) Class {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}
