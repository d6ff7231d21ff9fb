// Package errcode defines stable, classified error codes for the OpenAudit core.
//
// Every rejection surfaced to a caller carries a code that never changes between
// releases, so automated callers can branch on cause instead of parsing messages.
// Codes follow the OPENAUDIT/<AREA>/<NAME> layout.
package errcode

import (
	"errors"
	"fmt"
)

// Class groups codes by how a caller is expected to react.
type Class string

const (
	// ClassValidation marks caller input mistakes. No state changed; retry after fixing input.
	ClassValidation Class = "VALIDATION"
	// ClassAuthorization marks callers lacking the required role. Never retried automatically.
	ClassAuthorization Class = "AUTHORIZATION"
	// ClassStateConflict marks transitions that are illegal given current state.
	ClassStateConflict Class = "STATE_CONFLICT"
	// ClassNotFound marks references to records that do not exist.
	ClassNotFound Class = "NOT_FOUND"
	// ClassTransfer marks failed fund movements. The triggering call is rolled back.
	ClassTransfer Class = "TRANSFER"
	// ClassSettlement marks failures inside the settlement pipeline.
	ClassSettlement Class = "SETTLEMENT"
	// ClassInternal marks unexpected failures.
	ClassInternal Class = "INTERNAL"
)

// Error is a coded error. Two errors are equal under errors.Is when their codes match,
// regardless of the detail message.
type Error struct {
	Code    string `json:"code"`
	Class   Class  `json:"class"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// New defines a coded error.
func New(class Class, code, message string) *Error {
	return &Error{Code: code, Class: class, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Withf returns a copy of e carrying an occurrence-specific detail.
func (e *Error) Withf(format string, args ...any) *Error {
	cp := *e
	cp.Detail = fmt.Sprintf(format, args...)
	return &cp
}

// As extracts the coded error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or the internal code when err is not coded.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return Internal.Code
}

// ClassOf returns the class of err, or ClassInternal when err is not coded.
func ClassOf(err error) Class {
	if e, ok := As(err); ok {
		return e.Class
	}
	return ClassInternal
}
