package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across layers. Handlers map them onto HTTP status
// codes; repositories and services wrap them with context via %w.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrInternal            = errors.New("internal error")
)

// ProviderError carries a backend's own error vocabulary through the uniform
// gateway without losing the original code.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// NewProviderError builds a ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: message}
}
