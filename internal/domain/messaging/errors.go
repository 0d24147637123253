package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Error kinds. Every error returned by a messaging operation matches exactly one
// of these through errors.Is.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotParticipant   = errors.New("not a participant")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation failed")
	ErrTransient        = errors.New("store unavailable")
)

// OpError carries the failing operation, its kind and an optional cause.
// Msg is safe to show to users for validation failures; it never holds secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fail builds an OpError of the given kind.
func Fail(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// Failf is Fail with a formatted message.
func Failf(op string, kind error, format string, args ...any) error {
	return OpError{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps an infrastructure failure. Errors that already carry a kind
// pass through untouched so authorization and validation results survive
// being re-wrapped by outer layers.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	return OpError{Op: op, Kind: ErrTransient, Err: err}
}

// KindOf returns the sentinel kind of err or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{ErrNotAuthenticated, ErrNotParticipant, ErrForbidden, ErrNotFound, ErrValidation, ErrTransient} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

func IsNotAuthenticated(err error) bool { return errors.Is(err, ErrNotAuthenticated) }
func IsNotParticipant(err error) bool   { return errors.Is(err, ErrNotParticipant) }
func IsForbidden(err error) bool        { return errors.Is(err, ErrForbidden) }
func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool       { return errors.Is(err, ErrValidation) }
func IsTransient(err error) bool        { return errors.Is(err, ErrTransient) }

// IsAccessDenied reports authorization failures of any flavour.
func IsAccessDenied(err error) bool {
	return IsNotParticipant(err) || IsForbidden(err)
}

const (
	MsgOffline      = "You're offline. Check your connection and try again."
	MsgNoAccess     = "You don't have access to this conversation."
	MsgSignIn       = "Please sign in to use messaging."
	MsgGone         = "This conversation or message no longer exists."
	MsgTryAgain     = "Something went wrong, please try again."
	msgInvalidInput = "That request is not valid."
)

// UserMessage renders err as a short sentence suitable for end users. Internal
// error text never leaks for authorization or validation failures.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotAuthenticated(err):
		return MsgSignIn
	case IsAccessDenied(err):
		return MsgNoAccess
	case IsNotFound(err):
		return MsgGone
	case IsValidation(err):
		var op OpError
		if errors.As(err, &op) && op.Msg != "" {
			return sentence(op.Msg)
		}
		return msgInvalidInput
	case IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return MsgOffline
	default:
		return MsgTryAgain
	}
}

func sentence(msg string) string {
	r, size := utf8.DecodeRuneInString(msg)
	out := string(unicode.ToUpper(r)) + msg[size:]
	if !strings.HasSuffix(out, ".") {
		out += "."
	}
	return out
}
