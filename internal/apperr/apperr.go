package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an upload failure.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindGap
	KindCapacity
	KindIncomplete
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol_violation"
	case KindGap:
		return "gap"
	case KindCapacity:
		return "capacity_exceeded"
	case KindIncomplete:
		return "incomplete_finalize"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is comparisons against a Kind.
var (
	ErrTransport          = &Error{Kind: KindTransport, Message: "transport error"}
	ErrProtocolViolation  = &Error{Kind: KindProtocol, Message: "protocol violation"}
	ErrGap                = &Error{Kind: KindGap, Message: "chunk offset gap"}
	ErrCapacityExceeded   = &Error{Kind: KindCapacity, Message: "capacity exceeded"}
	ErrIncompleteFinalize = &Error{Kind: KindIncomplete, Message: "upload incomplete"}
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error.
func New(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func Transport(op string, err error) error {
	return New(KindTransport, op, "", err)
}

func Protocol(op, format string, args ...interface{}) error {
	return New(KindProtocol, op, fmt.Sprintf(format, args...), nil)
}

func Capacity(op, format string, args ...interface{}) error {
	return New(KindCapacity, op, fmt.Sprintf(format, args...), nil)
}

// GapError reports a chunk that skipped past the committed offset.
type GapError struct {
	Expected uint64
	Got      uint64
}

func (g *GapError) Error() string {
	return fmt.Sprintf("chunk offset gap: expected %d, got %d", g.Expected, g.Got)
}

func (g *GapError) Is(target error) bool {
	return target == ErrGap
}

// IncompleteError reports a finalize attempted before every byte arrived.
type IncompleteError struct {
	BytesReceived uint64
	TotalSize     uint64
}

func (i *IncompleteError) Error() string {
	return fmt.Sprintf("upload incomplete: %d/%d bytes", i.BytesReceived, i.TotalSize)
}

func (i *IncompleteError) Is(target error) bool {
	return target == ErrIncompleteFinalize
}

// KindOf returns the classification of err, or false when it is unclassified.
func KindOf(err error) (Kind, bool) {
	var gap *GapError
	if errors.As(err, &gap) {
		return KindGap, true
	}
	var inc *IncompleteError
	if errors.As(err, &inc) {
		return KindIncomplete, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Retryable reports whether a client should reconnect and try again.
// Unclassified errors are treated as transport failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	kind, ok := KindOf(err)
	if !ok {
		return true
	}
	return kind == KindTransport || kind == KindGap
}
