package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the counting pipeline.
type Kind int

const (
	KindUnknown Kind = iota
	// KindMalformedInput is a bad record or body; the record is skipped.
	KindMalformedInput
	// KindUnauthorized rejects the whole request with no side effects.
	KindUnauthorized
	// KindDuplicateSkipped is an expected idempotency outcome, not a failure.
	KindDuplicateSkipped
	// KindPartitionCorrupt is a log partition that failed to parse.
	KindPartitionCorrupt
	// KindOrphanExit is an exit with no open event.
	KindOrphanExit
	// KindDoubleEntry is an entry while an event is already open.
	KindDoubleEntry
	// KindStorageUnavailable is a central store outage; the call may be retried.
	KindStorageUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindMalformedInput:
		return "malformed_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindDuplicateSkipped:
		return "duplicate_skipped"
	case KindPartitionCorrupt:
		return "partition_corrupt"
	case KindOrphanExit:
		return "orphan_exit"
	case KindDoubleEntry:
		return "double_entry"
	case KindStorageUnavailable:
		return "storage_unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	default:
		return msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller should try the same call again later.
func (e *Error) Retryable() bool {
	return e.Kind == KindStorageUnavailable
}

// E builds a classified error.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a retryable classified error.
func IsRetryable(err error) bool {
	var target *Error
	return errors.As(err, &target) && target.Retryable()
}
