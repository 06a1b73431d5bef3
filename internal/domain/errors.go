package domain

import "errors"

// ErrSignalNotPending is returned when closing a signal that already reached
// a terminal status.
var ErrSignalNotPending = errors.New("signal is not pending")
