package store

import (
	"errors"
	"fmt"
)

var (
	ErrServiceNotFound     = errors.New("service not found")
	ErrTokenNotFound       = errors.New("token not found")
	ErrNoTokensWaiting     = errors.New("no tokens waiting")
	ErrInvalidTransition   = errors.New("invalid token transition")
	ErrServiceInactive     = errors.New("service inactive")
	ErrDailyCapExceeded    = errors.New("daily token cap exceeded")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrValidation          = errors.New("validation failed")
)

var (
	// ErrTokenClosed is returned when an operation targets an EXPIRED or NO_SHOW token.
	ErrTokenClosed = fmt.Errorf("%w: token no longer in queue", ErrInvalidTransition)
	// ErrPresenceRequired is returned by BeginService when the service mandates a
	// compliant presence check and none was recorded since the call.
	ErrPresenceRequired = fmt.Errorf("%w: compliant presence check required", ErrInvalidTransition)
)
