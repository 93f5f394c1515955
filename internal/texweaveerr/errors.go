// Package texweaveerr defines the error taxonomy shared by the engine,
// registry, session and transport layers.
package texweaveerr

import "fmt"

// Code identifies one member of the error taxonomy. Codes double as the
// wire-level "code" field of an Error client frame.
type Code string

const (
	Unauthenticated        Code = "unauthenticated"
	AuthFailed             Code = "auth_failed"
	DocumentNotFound       Code = "document_not_found"
	DocumentBranchNotFound Code = "document_branch_not_found"
	InvalidRange           Code = "invalid_range"
	Forbidden              Code = "forbidden"
	PayloadTooLarge        Code = "payload_too_large"
	SlowConsumer           Code = "slow_consumer"
	Internal               Code = "internal"
	ExternalSyncFailed     Code = "external_sync_failed"
	CorruptPatch           Code = "corrupt_patch"
)

// Error is a taxonomy-classified error. It is safe to surface Message to a
// client verbatim; it never carries secrets.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is a *Error carrying code.
func Is(err error, code Code) bool {
	var te *Error
	if ok := asError(err, &te); ok {
		return te.Code == code
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if te, ok := err.(*Error); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
