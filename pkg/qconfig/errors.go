package qconfig

import "errors"

var (
	// ErrInvalidTimeout is returned when a configured timeout is not positive.
	ErrInvalidTimeout = errors.New("timeout must be greater than 0")

	// ErrInvalidRetries is returned when a configured retry count is negative.
	ErrInvalidRetries = errors.New("retry tries must be greater than or equal to 0")
)
