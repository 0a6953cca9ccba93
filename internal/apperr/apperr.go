// Package apperr defines the typed error taxonomy shared by every component.
//
// Components either succeed or fail with exactly one typed error. The HTTP
// layer converts these to status codes; anything untyped is wrapped as
// Unexpected so internal store errors never leak verbatim to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status mapping.
type Kind int

const (
	// KindUnexpected is anything not otherwise classified. Maps to 500.
	KindUnexpected Kind = iota
	// KindMissingPrecondition is a missing workspace/schema/body/field,
	// detected on request entry before any I/O. Maps to 400.
	KindMissingPrecondition
	// KindValidation is a schema validation failure carrying the full
	// violation list. Maps to 400.
	KindValidation
	// KindNotFound is a missing entity/object/schema/webhook/action/
	// expression/user. Maps to 404.
	KindNotFound
	// KindAlreadyExists is a create conflict. Maps to 409.
	KindAlreadyExists
	// KindMismatch is a route-id vs payload-id (or schema-id) disagreement.
	// Maps to 404, not 400: preserved from the system this replaces.
	KindMismatch
	// KindUnauthorized maps to 401.
	KindUnauthorized
	// KindForbidden maps to 403.
	KindForbidden
)

// Error is the one error type crossing component boundaries.
type Error struct {
	Kind       Kind
	Message    string
	Violations []string // populated for KindValidation only
	Err        error    // wrapped cause, for diagnostics
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code for this error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMissingPrecondition, KindValidation:
		return http.StatusBadRequest
	case KindNotFound, KindMismatch:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// NotFound builds a KindNotFound error.
func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// AlreadyExists builds a KindAlreadyExists error.
func AlreadyExists(msg string) *Error {
	return &Error{Kind: KindAlreadyExists, Message: msg}
}

// Mismatch builds a KindMismatch error.
func Mismatch(msg string) *Error {
	return &Error{Kind: KindMismatch, Message: msg}
}

// MissingPrecondition builds a KindMissingPrecondition error.
func MissingPrecondition(msg string) *Error {
	return &Error{Kind: KindMissingPrecondition, Message: msg}
}

// Validation builds a KindValidation error carrying every violation, not
// just the first.
func Validation(msg string, violations []string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Violations: violations}
}

// Unauthorized builds a KindUnauthorized error.
func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// Forbidden builds a KindForbidden error.
func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

// Wrap classifies err as Unexpected unless it already carries a kind, in
// which case it is returned unchanged. Callers at pipeline boundaries use
// this so NotFound/AlreadyExists survive while store internals do not.
func Wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindUnexpected, Message: msg, Err: err}
}

// KindOf reports the kind of err, or KindUnexpected for untyped errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnexpected
}

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsAlreadyExists reports whether err is a KindAlreadyExists error.
func IsAlreadyExists(err error) bool { return KindOf(err) == KindAlreadyExists }

// Error messages shared across packages. Kept as constants so handlers,
// pipelines and tests agree on the wire-visible text.
const (
	MsgEntityNotFound     = "entity not found"
	MsgSchemaNotFound     = "schema not found"
	MsgObjectNotFound     = "object not found"
	MsgExpressionNotFound = "expression not found"
	MsgWebhookNotFound    = "webhook not found"
	MsgActionNotFound     = "action not found"
	MsgRoleNotFound       = "role not found"
	MsgUserNotFound       = "user not found"

	MsgMissingWorkspace = "missing workspace"
	MsgMissingSchema    = "missing schema"
	MsgMissingBody      = "missing body"
	MsgMissingObjectID  = "missing objectId"

	MsgValidationFailed  = "validation failed"
	MsgExpressionInvalid = "expression is not valid"
	MsgRolesNotAllowed   = "roles are not allowed"

	MsgObjectAlreadyExists = "object already exists"
	MsgUserAlreadyExists   = "user already exists"
	MsgObjectIDMismatch    = "objectId mismatch: the id in the URL does not match the id field in the request body"
	MsgSchemaIDMismatch    = "schemaId mismatch: the id in the URL does not match the $id in the request body"

	MsgSomethingWentWrong = "something went wrong"
)
