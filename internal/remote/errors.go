package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidPath           = errors.New("invalid path")
	ErrInvalidName           = errors.New("invalid name")
	ErrMissingParent         = errors.New("missing parent folder")
	ErrRemoteUnavailable     = errors.New("remote unavailable")
	ErrUploadFailed          = errors.New("upload failed")
	ErrSessionExpired        = errors.New("session expired")
	ErrUnexpectedRemoteState = errors.New("unexpected remote state")
	ErrLoginFailed           = errors.New("login failed")
)

// Ordered so that a login failure wrapping a session error reports as a
// login failure.
var kinds = []error{
	ErrLoginFailed,
	ErrInvalidPath,
	ErrInvalidName,
	ErrMissingParent,
	ErrRemoteUnavailable,
	ErrUploadFailed,
	ErrSessionExpired,
	ErrUnexpectedRemoteState,
}

// OpError records the operation and path that failed together with the
// error kind and the underlying cause.
type OpError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil && e.Err != e.Kind {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap annotates err with op and path. When err already carries a kind that
// kind is kept, otherwise kind is used.
func Wrap(op, path string, kind, err error) error {
	if err == nil {
		return nil
	}
	if existing := KindOf(err); existing != nil {
		kind = existing
	}
	return &OpError{Op: op, Path: path, Kind: kind, Err: err}
}

// Errorf builds an OpError of the given kind from a formatted message.
func Errorf(op, path string, kind error, format string, args ...any) error {
	return &OpError{Op: op, Path: path, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the sentinel kind carried by err, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsRetryable reports whether retrying the same request later may succeed.
// Caller errors and login failures are not retryable.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrRemoteUnavailable, ErrUploadFailed, ErrSessionExpired, ErrUnexpectedRemoteState:
		return true
	case nil:
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return true
	default:
		return false
	}
}

// forcesReconnect reports errors after which the current session must not be
// reused.
func forcesReconnect(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrUnexpectedRemoteState)
}
