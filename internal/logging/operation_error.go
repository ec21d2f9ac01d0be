package logging

import (
	"errors"
	"fmt"
)

// OperationError ties a failed backend call to its operation name, such as
// "backend.identify", and the X-Request-ID it was sent with, so a failure in
// this client's log can be found in the backend's.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID == "" {
		return e.Operation + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError returns nil for a nil err so call sites can wrap the
// result of a backend call unconditionally.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// ErrorAttrs returns slog key/value pairs for err. A wrapped OperationError
// contributes its operation and request_id as separate fields.
func ErrorAttrs(err error) []any {
	attrs := []any{"error", err}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		attrs = append(attrs, "operation", opErr.Operation)
		if opErr.RequestID != "" {
			attrs = append(attrs, "request_id", opErr.RequestID)
		}
	}
	return attrs
}
