package domain

import "errors"

var (
	ErrNotFound             = errors.New("payment not found")
	ErrInvalidPaymentStatus = errors.New("payment not capturable in current status")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrStaleTimestamp       = errors.New("webhook timestamp outside tolerance")
	ErrInvalidPayload       = errors.New("invalid webhook payload")
	ErrEventIgnored         = errors.New("webhook event type ignored")
)
