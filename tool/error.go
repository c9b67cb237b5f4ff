package tool

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ToolErrorCodeNotFound is returned when a tool id is not in the registry.
	ToolErrorCodeNotFound = "NOT_FOUND"
	// ToolErrorCodeInvalid is returned when a registered tool cannot be acquired.
	ToolErrorCodeInvalid = "INVALID"
	// ToolErrorCodeFetchFailed is returned when a tool payload cannot be downloaded.
	ToolErrorCodeFetchFailed = "FETCH_FAILED"
	// ToolErrorCodeInstallFailed is returned when a downloaded tool fails to install.
	ToolErrorCodeInstallFailed = "INSTALL_FAILED"
	// ToolErrorCodeReloadFailed is returned when the catalog cannot be reloaded.
	ToolErrorCodeReloadFailed = "RELOAD_FAILED"
	// ToolErrorCodeCancelled is returned when a transaction is removed while running.
	ToolErrorCodeCancelled = "CANCELLED"
	// ToolErrorCodeFailed is a generic fallback.
	ToolErrorCodeFailed = "FAILED"
)

// ToolError is a structured tool service error that keeps a machine-readable
// code and retryability while it travels through transaction buses.
type ToolError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return ToolErrorCodeFailed
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newToolError(code, message string, retryable bool, cause error) *ToolError {
	cleanCode := strings.TrimSpace(code)
	if cleanCode == "" {
		cleanCode = ToolErrorCodeFailed
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &ToolError{
		Code:      cleanCode,
		Message:   cleanMsg,
		Retryable: retryable,
		Cause:     cause,
	}
}

func withToolErrorDetails(err *ToolError, details map[string]any) *ToolError {
	if err == nil {
		return nil
	}
	if len(details) == 0 {
		return err
	}
	if err.Details == nil {
		err.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		err.Details[key] = value
	}
	return err
}

func toolErrorFrom(err error) (*ToolError, bool) {
	if err == nil {
		return nil, false
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// ErrorCode returns the ToolError code carried by err, or "" if none.
func ErrorCode(err error) string {
	if toolErr, ok := toolErrorFrom(err); ok && toolErr != nil {
		return toolErr.Code
	}
	return ""
}

func toolErrorCodeOrDefault(err error, fallback string) string {
	if code := ErrorCode(err); strings.TrimSpace(code) != "" {
		return code
	}
	if strings.TrimSpace(fallback) == "" {
		return ToolErrorCodeFailed
	}
	return fallback
}
