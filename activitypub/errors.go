package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the failure family of an error. Every error leaving the
// engine falls into exactly one of them.
type ErrorKind int

const (
	TransportFailure ErrorKind = iota
	AuthenticityFailure
	ResolutionFailure
	ValidationFailure
	PersistenceFailure
)

func (k ErrorKind) String() string {
	switch k {
	case TransportFailure:
		return "transport"
	case AuthenticityFailure:
		return "authenticity"
	case ResolutionFailure:
		return "resolution"
	case ValidationFailure:
		return "validation"
	case PersistenceFailure:
		return "persistence"
	default:
		return "unknown"
	}
}

type SignatureErrorKind int

const (
	SigMalformed SignatureErrorKind = iota
	SigExpired
	SigInvalid
)

func (k SignatureErrorKind) String() string {
	switch k {
	case SigMalformed:
		return "malformed"
	case SigExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// SignatureError reports an inbound request whose HTTP signature could not be
// accepted.
type SignatureError struct {
	Kind  SignatureErrorKind
	KeyId string
	Err   error
}

func (e *SignatureError) Error() string {
	if e.KeyId != "" {
		return fmt.Sprintf("signature %s (key %s): %v", e.Kind, e.KeyId, e.Err)
	}
	return fmt.Sprintf("signature %s: %v", e.Kind, e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

func sigErr(kind SignatureErrorKind, format string, args ...any) *SignatureError {
	return &SignatureError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

type ResolveErrorKind int

const (
	// KnownUnavailable is a hit in the negative cache: the id was Gone
	// recently and is not fetched again until the entry expires.
	KnownUnavailable ResolveErrorKind = iota
	Gone
	Unreachable
	Blocked
)

func (k ResolveErrorKind) String() string {
	switch k {
	case KnownUnavailable:
		return "known unavailable"
	case Gone:
		return "gone"
	case Unreachable:
		return "unreachable"
	default:
		return "blocked"
	}
}

type ResolveError struct {
	Kind ResolveErrorKind
	URI  string
	Err  error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %s: %v", e.URI, e.Kind, e.Err)
	}
	return fmt.Sprintf("resolve %s: %s", e.URI, e.Kind)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// ValidationError is a well-formed request carrying content the engine will
// never accept.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ForbiddenError is a validation failure caused by who sent the activity
// rather than by what it contains.
type ForbiddenError struct {
	Msg string
	Err error
}

func (e *ForbiddenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("forbidden: %s: %v", e.Msg, e.Err)
	}
	return "forbidden: " + e.Msg
}

func (e *ForbiddenError) Unwrap() error { return e.Err }

// PersistError is a failed write to the store.
// Temporary marks a failure that left the activity half applied; the sender
// is asked to redeliver so the rest is done on the next attempt.
type PersistError struct {
	Op        string
	Err       error
	Temporary bool
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// TransportError is a failed outbound HTTP exchange. Status is zero when no
// response was received.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the exchange may succeed if repeated.
func (e *TransportError) Temporary() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Classify maps err to its failure family.
func Classify(err error) ErrorKind {
	var (
		signatureErr *SignatureError
		resolveErr   *ResolveError
		validErr     *ValidationError
		forbidErr    *ForbiddenError
		persistErr   *PersistError
		transportErr *TransportError
		netErr       net.Error
	)
	switch {
	case errors.As(err, &signatureErr):
		return AuthenticityFailure
	case errors.As(err, &resolveErr):
		return ResolutionFailure
	case errors.As(err, &validErr), errors.As(err, &forbidErr):
		return ValidationFailure
	case errors.As(err, &persistErr):
		return PersistenceFailure
	case errors.As(err, &transportErr), errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return TransportFailure
	default:
		return ValidationFailure
	}
}

// IsRetryable reports whether repeating the operation later may succeed:
// temporary transport failures and unreachable resolutions only.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case TransportFailure:
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return transportErr.Temporary()
		}
		return true
	case ResolutionFailure:
		var resolveErr *ResolveError
		errors.As(err, &resolveErr)
		return resolveErr.Kind == Unreachable
	case PersistenceFailure:
		var persistErr *PersistError
		return errors.As(err, &persistErr) && persistErr.Temporary
	default:
		return false
	}
}
