package chat

import (
	"errors"
	"fmt"
)

// Kind is the closed classification every remote failure maps onto.
// Callers branch on kinds, never on status codes or error text.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindValidation
	KindForbidden
	KindNotFound
	KindAuthExpired
	KindTransportAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindValidation:
		return "validation"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindAuthExpired:
		return "auth_expired"
	case KindTransportAuth:
		return "transport_auth"
	default:
		return "unknown"
	}
}

// Retryable reports whether a retry could plausibly succeed. Only
// transient network failures qualify; everything else needs a changed
// input or a fresh credential first.
func (k Kind) Retryable() bool {
	return k == KindTransientNetwork
}

// Error is a classified failure. Op names the operation that produced
// it ("gateway.send_message" style).
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error wrapping an optional cause.
func NewError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Classify extracts the kind from an error chain. Unclassified errors
// (and nil) come back as KindUnknown.
func Classify(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}
