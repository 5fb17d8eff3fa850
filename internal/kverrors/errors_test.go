package kverrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalid(t *testing.T) {
	err := Invalid(KindInvalidKey, "key is empty")

	assert.Equal(t, "invalid key: key is empty", err.Error())
	assert.True(t, errors.Is(err, ErrInvalidKey))
	assert.False(t, errors.Is(err, ErrInvalidBody))
	assert.True(t, IsInvalid(err))
	assert.False(t, IsStorage(err))
}

func TestStorage(t *testing.T) {
	cause := fmt.Errorf("put %q: %w", "k", context.DeadlineExceeded)
	err := Storage("write", "k", cause)

	require.Error(t, err)
	assert.True(t, IsStorage(err))
	assert.True(t, errors.Is(err, ErrStorage))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), `write "k"`)

	assert.NoError(t, Storage("write", "k", nil))

	// Already classified errors keep their kind.
	inv := Invalid(KindInvalidBody, "empty")
	assert.Same(t, inv, Storage("write", "k", inv).(*Error))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"bare sentinel", ErrNotFound, KindNotFound},
		{"wrapped sentinel", fmt.Errorf("get: %w", ErrNotFound), KindNotFound},
		{"classified", New(KindInvalidTimestamp, "read", "k", nil), KindInvalidTimestamp},
		{"wrapped classified", fmt.Errorf("outer: %w", New(KindStorage, "read", "k", errors.New("x"))), KindStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
	assert.True(t, IsNotFound(ErrNotFound))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "invalid_key", KindInvalidKey.String())
	assert.Equal(t, "storage", KindStorage.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
