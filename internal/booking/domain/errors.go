package domain

import "errors"

var (
	ErrNotFound       = errors.New("booking not found")
	ErrInvalidStatus  = errors.New("operation not allowed in current booking status")
	ErrHoldExpired    = errors.New("booking hold expired")
	ErrInvalidRequest = errors.New("invalid booking request")
)
