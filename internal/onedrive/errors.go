package onedrive

import (
	"errors"
	"fmt"
)

// Kind classifies failures so the run ledger can tell a reconnect apart
// from a transient network problem.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindTransport  Kind = "transport"
	KindServer     Kind = "server"
	KindUnexpected Kind = "unexpected"
)

// ErrNoToken is returned when no OneDrive account has been connected.
var ErrNoToken = errors.New("no onedrive token stored")

// Error is returned by every Client and token operation.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Code       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindAuth:
		return fmt.Sprintf("onedrive %s: needs reconnect: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("onedrive %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("onedrive %s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind exposes the kind to callers that do not import this package.
func (e *Error) ErrorKind() string { return string(e.Kind) }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func authError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindAuth {
		return err
	}
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

func unexpected(op, format string, args ...any) error {
	return &Error{Kind: KindUnexpected, Op: op, Err: fmt.Errorf(format, args...)}
}
