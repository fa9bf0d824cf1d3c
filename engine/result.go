package engine

import (
	"errors"

	apperrors "github.com/veldt-labs/tokenhall/internal/platform/errors"
)

// Result is the serializable outcome shape handed to the UI layer. No raw
// error value crosses the facade boundary.
type Result struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Code    apperrors.Code `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// AsResult converts an operation outcome into a Result.
func AsResult(data any, err error) Result {
	if err == nil {
		return Result{Success: true, Data: data}
	}
	result := Result{
		Code:  apperrors.CodeOf(err),
		Error: err.Error(),
	}
	var typed *apperrors.Error
	if errors.As(err, &typed) && typed.Message != "" {
		result.Error = typed.Message
	}
	return result
}
