// Package kverrors defines the error taxonomy shared by the validator, the
// storage backends and the engine.
//
// Input errors (InvalidKey, InvalidBody, InvalidTimestamp) are detected locally
// and never retried. NotFound is a valid empty result. Storage covers every
// backend failure: connectivity, constraint violations, timeouts.
package kverrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the calling layer.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidKey
	KindInvalidBody
	KindInvalidTimestamp
	KindNotFound
	KindStorage
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindInvalidKey:
		return "invalid_key"
	case KindInvalidBody:
		return "invalid_body"
	case KindInvalidTimestamp:
		return "invalid_timestamp"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Sentinels matched with errors.Is.
var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidBody      = errors.New("invalid body")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrNotFound         = errors.New("not found")
	ErrStorage          = errors.New("storage error")
)

var kindSentinels = map[Kind]error{
	KindInvalidKey:       ErrInvalidKey,
	KindInvalidBody:      ErrInvalidBody,
	KindInvalidTimestamp: ErrInvalidTimestamp,
	KindNotFound:         ErrNotFound,
	KindStorage:          ErrStorage,
}

// Error wraps a cause with its classification and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Key != "":
		return fmt.Sprintf("%s %q: %s", e.Op, e.Key, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	default:
		return msg
	}
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match against the sentinel of e's kind, so a storage error
// wrapping a driver error still satisfies errors.Is(err, ErrStorage).
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// New builds a classified error. Err may be nil.
func New(kind Kind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// Invalid builds an input error of the given kind with a human readable reason.
func Invalid(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf("%w: %s", kindSentinels[kind], reason)}
}

// Storage classifies err as a backend failure. A nil err returns nil, and an
// error that is already classified is returned as is.
func Storage(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: KindStorage, Op: op, Key: key, Err: err}
}

// KindOf returns the classification of err. Unclassified errors report
// KindUnknown; the bare sentinels report their own kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindUnknown
}

// IsInvalid reports whether err is a caller input error.
func IsInvalid(err error) bool {
	switch KindOf(err) {
	case KindInvalidKey, KindInvalidBody, KindInvalidTimestamp:
		return true
	}
	return false
}

// IsNotFound reports whether err is the empty result.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsStorage reports whether err is a backend failure.
func IsStorage(err error) bool {
	return KindOf(err) == KindStorage
}
