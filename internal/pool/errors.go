package pool

import "errors"

var (
	// ErrPoolExhausted is returned when no client became free within
	// MaxAcquireWait. Callers may retry.
	ErrPoolExhausted = errors.New("agent pool exhausted")
	// ErrConnectionFailure is returned when a new client could not connect.
	ErrConnectionFailure = errors.New("agent connection failed")
	// ErrPoolStopped is returned by Acquire after a soft shutdown until the
	// pool is initialized again.
	ErrPoolStopped = errors.New("agent pool stopped")
	// ErrPoolClosed is returned after a forced shutdown.
	ErrPoolClosed = errors.New("agent pool closed")
	// ErrLeaseReleased is returned when a lease is used after Release.
	ErrLeaseReleased = errors.New("lease already released")
	// ErrUnsupported is returned when the leased client lacks an optional
	// capability.
	ErrUnsupported = errors.New("operation not supported by agent client")
)
