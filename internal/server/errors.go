package server

import (
	"errors"
	"fmt"

	"github.com/fenggwsx/SlashLive/internal/storage"
)

// ErrorKind classifies failures reported to clients.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindNotFound       ErrorKind = "not_found"
	KindPersistence    ErrorKind = "persistence"
	KindInvalid        ErrorKind = "invalid"
)

// Error is the failure type every handler returns. Message is safe to show
// to the client; Err is kept for logs only.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrAuthorization  = &Error{Kind: KindAuthorization}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrPersistence    = &Error{Kind: KindPersistence}
	ErrInvalid        = &Error{Kind: KindInvalid}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// clientMessage is what the error event carries. Persistence details never
// leave the server.
func (e *Error) clientMessage() string {
	switch {
	case e.Kind == KindPersistence:
		return "temporarily unavailable, try again"
	case e.Message != "":
		return e.Message
	default:
		return string(e.Kind)
	}
}

func authenticationError(msg string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: msg, Err: err}
}

func authorizationError(msg string) *Error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

func notFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func persistenceError(msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: msg, Err: err}
}

func invalidError(msg string, err error) *Error {
	return &Error{Kind: KindInvalid, Message: msg, Err: err}
}

// classify turns any error into an *Error. Store lookups that miss become
// not_found; anything unrecognised is treated as a persistence failure.
func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, storage.ErrNotFound) {
		return &Error{Kind: KindNotFound, Message: "not found", Err: err}
	}
	return persistenceError("storage failure", err)
}
