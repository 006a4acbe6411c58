package playback

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a controller failure
type Kind string

// Error kinds reported at the controller boundary.
const (
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	KindNotInitialized  Kind = "NOT_INITIALIZED"
	KindFileNotFound    Kind = "FILE_NOT_FOUND"
	KindLoadError       Kind = "LOAD_ERROR"
	KindNoFileLoaded    Kind = "NO_FILE"
	KindTransportError  Kind = "TRANSPORT_ERROR"
	KindDisposeError    Kind = "DISPOSE_ERROR"
)

// Error is the tagged result of a failed controller command.
//
// Kind is machine readable and stable; Message is for humans. Op names the
// command that failed and refines the wire code of transport errors.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code(), msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code(), msg)
}

// Unwrap returns the underlying backend error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
//
// This allows errors.Is(err, ErrNoFileLoaded) to match any NO_FILE failure
// regardless of operation or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Code returns the wire code. Transport failures are reported per operation
// (PLAY_ERROR, SEEK_ERROR, ...); every other kind uses its own name.
func (e *Error) Code() string {
	if e.Kind == KindTransportError && e.Op != "" {
		return strings.ToUpper(e.Op) + "_ERROR"
	}
	return string(e.Kind)
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrNotInitialized  = &Error{Kind: KindNotInitialized}
	ErrFileNotFound    = &Error{Kind: KindFileNotFound}
	ErrLoadFailed      = &Error{Kind: KindLoadError}
	ErrNoFileLoaded    = &Error{Kind: KindNoFileLoaded}
	ErrTransport       = &Error{Kind: KindTransportError}
	ErrDispose         = &Error{Kind: KindDisposeError}
)

// KindOf extracts the Kind of err, or "" when err is not a controller error
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func invalidArgument(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, Message: fmt.Sprintf(format, args...)}
}

func noFileLoaded(op string) *Error {
	return &Error{Kind: KindNoFileLoaded, Op: op, Message: "no file loaded, load a file first"}
}

func transportError(op string, err error) *Error {
	return &Error{Kind: KindTransportError, Op: op, Message: op + " failed", Err: err}
}
