// Package ingesterr classifies the errors the ingestion pipeline can raise,
// per the taxonomy in spec §7: fatal conditions that halt a partition,
// recoverable conditions that are logged and swallowed, and the one
// non-error disposition (unsubscribed) that looks like an error at the
// call site but isn't.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind identifies which row of the spec §7 error taxonomy an error belongs
// to.
type Kind int

const (
	KindUnknown Kind = iota
	KindFatalDIV
	KindDuplicate
	KindSchemaTimeout
	KindProduceFailure
	KindViewFailure
	KindInvalidMessage
	KindInterrupted
	KindUnsubscribed
	KindFeedbackLoop
)

func (k Kind) String() string {
	switch k {
	case KindFatalDIV:
		return "fatal_div"
	case KindDuplicate:
		return "duplicate"
	case KindSchemaTimeout:
		return "schema_timeout"
	case KindProduceFailure:
		return "produce_failure"
	case KindViewFailure:
		return "view_failure"
	case KindInvalidMessage:
		return "invalid_message"
	case KindInterrupted:
		return "interrupted"
	case KindUnsubscribed:
		return "unsubscribed"
	case KindFeedbackLoop:
		return "feedback_loop"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the topic/partition/offset context
// it occurred at, and its taxonomy Kind.
type Error struct {
	Kind      Kind
	Topic     string
	Partition int32
	Offset    int64
	Cause     error
}

func New(kind Kind, topic string, partition int32, offset int64, cause error) *Error {
	return &Error{Kind: kind, Topic: topic, Partition: partition, Offset: offset, Cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingesterr: %s: topic=%s partition=%d offset=%d: %v", e.Kind, e.Topic, e.Partition, e.Offset, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether err (at any wrap depth) is an *Error whose Kind
// halts the owning partition per spec §7 (everything except Duplicate and
// Unsubscribed, which are explicitly non-fatal dispositions).
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindDuplicate, KindUnsubscribed:
		return false
	default:
		return true
	}
}

// IsDuplicate reports whether err is a KindDuplicate *Error.
func IsDuplicate(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindDuplicate
}

// IsUnsubscribed reports whether err is a KindUnsubscribed *Error.
func IsUnsubscribed(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindUnsubscribed
}
