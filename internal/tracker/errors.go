package tracker

import (
	"errors"
	"fmt"

	"github.com/dgnsrekt/scrape_agent/internal/host"
)

const (
	CodeValidation      = "VALIDATION"
	CodeTabNotFound     = "TAB_NOT_FOUND"
	CodeAttachFailed    = "ATTACH_FAILED"
	CodeHostUnavailable = "HOST_UNAVAILABLE"
	CodeNotFound        = "NOT_FOUND"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// hostError classifies an adapter failure.
func hostError(msg string, err error) error {
	switch {
	case errors.Is(err, host.ErrTabNotFound):
		return newError(CodeTabNotFound, msg, err)
	case errors.Is(err, host.ErrNotAttached):
		return newError(CodeNotFound, "tab is not tracked", err)
	default:
		return newError(CodeHostUnavailable, msg, err)
	}
}
