package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrExpired          = errors.New("resource has expired")
	ErrConsumed         = errors.New("resource has been consumed")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrInvalidToken     = errors.New("invalid download token")
	ErrFileTooLarge     = errors.New("file exceeds maximum allowed size")
)

// ValidationError reports a specific problem with client input. It is
// always safe to surface its message to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// AsValidationError unwraps err into a ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
