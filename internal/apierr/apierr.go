// Package apierr defines the stable error taxonomy exposed at the HTTP
// boundary. It plays the role the teacher's be-lib-common/errors package
// plays in the reference services, reimplemented locally since
// be-lib-common is not part of this module.
package apierr

import "fmt"

// Code is one of the stable, user-visible error codes from the spec.
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeForbidden           Code = "FORBIDDEN"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeTaskNotFound        Code = "TASK_NOT_FOUND"
	CodeApprovalNotFound    Code = "APPROVAL_NOT_FOUND"
	CodeInvalidTaskState    Code = "INVALID_TASK_STATE"
	CodeInvalidApprovalState Code = "INVALID_APPROVAL_STATE"
	CodeInternal            Code = "INTERNAL"
)

// Error is the error type every handler-facing failure is expressed as.
type Error struct {
	Code    Code
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func new(code Code, status int, message string) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

func InvalidRequest(message string) *Error { return new(CodeInvalidRequest, 400, message) }
func Forbidden(message string) *Error      { return new(CodeForbidden, 403, message) }
func Unauthorized(message string) *Error   { return new(CodeUnauthorized, 401, message) }
func TaskNotFound(taskID string) *Error {
	return new(CodeTaskNotFound, 404, fmt.Sprintf("task not found: %s", taskID))
}
func ApprovalNotFound(queueID string) *Error {
	return new(CodeApprovalNotFound, 404, fmt.Sprintf("approval queue item not found: %s", queueID))
}
func InvalidTaskState(message string) *Error {
	return new(CodeInvalidTaskState, 409, message)
}
func InvalidApprovalState(message string) *Error {
	return new(CodeInvalidApprovalState, 409, message)
}
func Internal(message string) *Error { return new(CodeInternal, 500, message) }

// Wrap lifts an opaque error into an Error with the given code and status.
// The wrapped error's text is appended to message, so it is part of what
// the HTTP error envelope returns to the caller.
func Wrap(err error, code Code, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf("%s: %v", message, err)}
}

// As extracts an *Error from err, returning (nil, false) when err is not
// one of ours.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
