package eventlog

import "errors"

var (
	// ErrInvalidSessionKey indicates a session key that is empty or unsafe
	// to use as a partition name.
	ErrInvalidSessionKey = errors.New("invalid session key")

	// ErrSessionTerminated indicates an append to a session that already
	// has a durable SessionEnded event.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrPayloadTooLarge indicates an event payload over the configured
	// ceiling. The check happens before any I/O.
	ErrPayloadTooLarge = errors.New("event payload too large")

	// ErrSequenceConflict indicates a prebuilt event whose sequence number
	// is not the partition's next sequence.
	ErrSequenceConflict = errors.New("event sequence conflict")

	// ErrEventIDMismatch indicates a prebuilt event whose id does not match
	// the hash derived from its own content.
	ErrEventIDMismatch = errors.New("event id mismatch")
)
