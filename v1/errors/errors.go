package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotHeld is returned when a release is attempted by a caller that
	// does not hold the lock. It signals a programming error and is never
	// retried internally.
	ErrNotHeld = errors.New("tether: lock not held by caller")
	// ErrUnsupported is returned by operations the locks deliberately do
	// not implement, such as condition variables.
	ErrUnsupported = errors.New("tether: unsupported operation")
	// ErrInvalidLease is returned when a non-positive lease is requested.
	ErrInvalidLease = errors.New("tether: lease must be positive")
)
