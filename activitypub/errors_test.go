package activitypub

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"signature", sigErr(SigExpired, "old"), AuthenticityFailure, false},
		{"gone", &ResolveError{Kind: Gone, URI: "https://a.example/x"}, ResolutionFailure, false},
		{"known unavailable", &ResolveError{Kind: KnownUnavailable}, ResolutionFailure, false},
		{"blocked", &ResolveError{Kind: Blocked}, ResolutionFailure, false},
		{"unreachable", &ResolveError{Kind: Unreachable}, ResolutionFailure, true},
		{"validation", invalid("bad"), ValidationFailure, false},
		{"forbidden", &ForbiddenError{Msg: "no"}, ValidationFailure, false},
		{"persist", &PersistError{Op: "apply", Err: errors.New("disk full")}, PersistenceFailure, false},
		{"persist half applied", &PersistError{Op: "enqueue accept", Err: errors.New("disk full"), Temporary: true}, PersistenceFailure, true},
		{"transport 503", &TransportError{URL: "https://a.example/inbox", Status: 503}, TransportFailure, true},
		{"transport 429", &TransportError{Status: 429}, TransportFailure, true},
		{"transport 404", &TransportError{Status: 404}, TransportFailure, false},
		{"transport network", &TransportError{Err: errors.New("connection refused")}, TransportFailure, true},
		{"deadline", context.DeadlineExceeded, TransportFailure, true},
		{"wrapped unreachable", fmt.Errorf("outer: %w", &ResolveError{Kind: Unreachable}), ResolutionFailure, true},
		{"plain error", errors.New("boom"), ValidationFailure, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, Classify(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestSignatureErrorUnwrapsCause(t *testing.T) {
	cause := &ResolveError{Kind: Gone}
	err := &SignatureError{Kind: SigInvalid, KeyId: "k", Err: cause}

	var resolveErr *ResolveError
	assert.ErrorAs(t, err, &resolveErr)
	assert.Equal(t, AuthenticityFailure, Classify(err))
	assert.Contains(t, err.Error(), "key k")
}
