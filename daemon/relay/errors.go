package relay

import "github.com/cockroachdb/errors"

// Stable error codes surfaced to API clients. The HTTP edge maps
// each code to a status; everything else is a 500.
const (
	CodeInvalidSubject      = "INVALID_SUBJECT"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeDuplicateEndpoint   = "DUPLICATE_ENDPOINT"
	CodeDuplicateID         = "DUPLICATE_ID"
	CodeUnknownType         = "UNKNOWN_TYPE"
	CodeMultiInstanceDenied = "MULTI_INSTANCE_DENIED"
	CodeNotFound            = "NOT_FOUND"
	CodeRemoveBuiltinDenied = "REMOVE_BUILTIN_DENIED"
	CodeConfigInvalid       = "CONFIG_INVALID"
	CodeSessionLocked       = "SESSION_LOCKED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodePublishFailed       = "PUBLISH_FAILED"
	CodeStorageError        = "STORAGE_ERROR"
	CodeFeatureDisabled     = "FEATURE_DISABLED"
)

// Error is a kernel error with a stable machine-readable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf constructs an *Error with a formatted message and captures
// the call stack.
func Errorf(code, format string, args ...any) error {
	return errors.WithStack(&Error{Code: code, Message: errors.Newf(format, args...).Error()})
}

// CodeOf reports the stable code of err, or "" when err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

var (
	ErrMessageNotFound   = &Error{Code: CodeNotFound, Message: "message not found"}
	ErrEndpointNotFound  = &Error{Code: CodeNotFound, Message: "endpoint not found"}
	ErrAdapterNotFound   = &Error{Code: CodeNotFound, Message: "adapter not found"}
	ErrBindingNotFound   = &Error{Code: CodeNotFound, Message: "binding not found"}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Message: "invalid status transition"}
	ErrDuplicateEndpoint = &Error{Code: CodeDuplicateEndpoint, Message: "endpoint already registered"}
)
