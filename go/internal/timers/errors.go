package timers

import "errors"

// ErrValidation is returned when an operation receives an out-of-range argument
var ErrValidation = errors.New("validation failed")

// ErrNotFound is returned when an operation targets an unknown timer id
var ErrNotFound = errors.New("timer not found")
