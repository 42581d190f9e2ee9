package domain

import "errors"

var (
	ErrActionNameTooLong    = errors.New("action name exceeds 191 bytes")
	ErrPayloadTooLarge      = errors.New("payload exceeds 65000 bytes")
	ErrInvalidSchedule      = errors.New("invalid scheduled_at value")
	ErrInvalidRecurring     = errors.New("invalid recurring value")
	ErrRecurringInThePast   = errors.New("recurring rule produces no future run")
	ErrClosureNotRegistered = errors.New("closure handler has no registered name")
	ErrHandlerNotFound      = errors.New("no handler registered for callback key")
	ErrJobNotFound          = errors.New("job not found")
	ErrStoreUnavailable     = errors.New("action store unavailable")
)
