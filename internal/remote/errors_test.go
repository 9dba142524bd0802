package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("http %d", e.code) }

func TestOpErrorUnwrapsKindAndCause(t *testing.T) {
	cause := &statusError{code: 502}
	err := Wrap("upload", "trellis/a/b.csv", ErrUploadFailed, cause)

	assert.ErrorIs(t, err, ErrUploadFailed)
	var se *statusError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, 502, se.code)
	assert.Equal(t, "upload trellis/a/b.csv: upload failed: http 502", err.Error())
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := Errorf("create folder", "trellis", ErrMissingParent, "repository level")
	err := Wrap("resolve", "trellis/a", ErrRemoteUnavailable, inner)

	assert.Equal(t, ErrMissingParent, KindOf(err))
	assert.False(t, errors.Is(err, ErrRemoteUnavailable))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", Wrap("list", "", ErrRemoteUnavailable, errors.New("eof")), true},
		{"upload", Errorf("upload", "", ErrUploadFailed, "chunk 2"), true},
		{"expired", ErrSessionExpired, true},
		{"unexpected", ErrUnexpectedRemoteState, true},
		{"invalid name", Errorf("upsert", "a-b/c.csv", ErrInvalidName, "hyphen"), false},
		{"invalid path", ErrInvalidPath, false},
		{"login", ErrLoginFailed, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestSplitName(t *testing.T) {
	base, typ := SplitName("2024_02_10.csv")
	assert.Equal(t, "2024_02_10", base)
	assert.Equal(t, "csv", typ)

	base, typ = SplitName("archive.tar.gz")
	assert.Equal(t, "archive.tar", base)
	assert.Equal(t, "gz", typ)

	base, typ = SplitName("README")
	assert.Equal(t, "README", base)
	assert.Equal(t, "", typ)
	assert.Equal(t, "README", JoinName(base, typ))
}

func TestBackendRegistry(t *testing.T) {
	RegisterBackend(Backend{Name: " Fake ", Connect: func(context.Context, Credentials) (Session, error) { return nil, nil }})
	RegisterBackend(Backend{Name: "ignored"})

	backend, err := LookupBackend("FAKE")
	assert.NoError(t, err)
	assert.Equal(t, "fake", backend.Name)
	assert.Contains(t, Backends(), "fake")
	assert.NotContains(t, Backends(), "ignored")

	_, err = LookupBackend("carrier-pigeon")
	assert.Error(t, err)
}
