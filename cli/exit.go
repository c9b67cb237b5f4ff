package cli

import (
	"errors"
	"fmt"

	"github.com/petal-labs/depot/core"
)

// Exit codes.
const (
	exitSuccess      = 0
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitBadID        = 4
	exitTransport    = 5
	exitTool         = 6
	exitStopped      = 130
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// exitCodeFor maps a pipeline or archive error onto an exit code.
func exitCodeFor(err error) int {
	if err == nil {
		return exitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch core.CodeOf(err) {
	case core.ErrBadID:
		return exitBadID
	case core.ErrInvalid:
		return exitValidation
	case core.ErrTransport:
		return exitTransport
	case core.ErrToolUnresolved:
		return exitTool
	case core.ErrStopped:
		return exitStopped
	default:
		return exitRuntime
	}
}

// failed wraps err into an ExitError with the mapped code.
func failed(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return &ExitError{Code: exitCodeFor(err), Message: fmt.Sprintf("%s: %v", msg, err)}
}
