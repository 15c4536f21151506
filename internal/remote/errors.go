// Package remote classifies failures returned by the identity and data
// backends into a closed set of kinds so callers never inspect messages.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the closed set of failure classes produced at the data-access boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindNotFound
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// CodeNoRows is the code attached to "no rows found" errors.
const CodeNoRows = "PGRST116"

// Error is a classified backend failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound returns a KindNotFound error with the no-rows code.
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNoRows, Message: fmt.Sprintf("%s not found", what)}
}

// Auth returns a KindAuth error carrying the upstream message verbatim.
func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// Network wraps err as a KindNetwork error.
func Network(err error) *Error {
	return &Error{Kind: KindNetwork, Message: "Network request failed", Err: err}
}

// Classify maps an arbitrary error onto a *Error. nil stays nil and errors
// that are already classified pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{Kind: KindNotFound, Code: CodeNoRows, Message: "no rows returned", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Network(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network(err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return Network(err)
	}
	if pgconn.Timeout(err) {
		return Network(err)
	}
	return &Error{Kind: KindUnknown, Err: err}
}

// KindOf returns the kind of err after classification.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(Classify(err), &re) {
		return re.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err classifies as KindNotFound.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsNetwork reports whether err classifies as KindNetwork.
func IsNetwork(err error) bool { return err != nil && KindOf(err) == KindNetwork }

// IsAuth reports whether err classifies as KindAuth.
func IsAuth(err error) bool { return err != nil && KindOf(err) == KindAuth }
