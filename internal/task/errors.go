package task

import "errors"

// Synchronous protocol errors. Everything else a session can suffer is
// reported asynchronously through the status record, never through the
// store call that started it.
var (
	// ErrBadInput rejects a malformed or out-of-bounds duration
	// argument. No session state is created.
	ErrBadInput = errors.New("bad input")

	// ErrAgainLater rejects a store while a session for the same key
	// is in flight, or while the system-wide concurrency bound is
	// reached. The caller should retry.
	ErrAgainLater = errors.New("try again later")

	// ErrUnknownMetric rejects operations on a metric name the
	// registry does not carry.
	ErrUnknownMetric = errors.New("unknown metric")
)
