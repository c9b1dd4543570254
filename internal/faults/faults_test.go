package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	err := New(KindValidation, "validate_path", errors.New("must be in allowed directories"))
	assert.Equal(t, "validation validate_path: must be in allowed directories", err.Error())

	bare := &Error{Kind: KindFatal, Err: errors.New("boom")}
	assert.Equal(t, "fatal: boom", bare.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain error is fatal", errors.New("x"), KindFatal},
		{"classified", New(KindCapacity, "store", errors.New("full")), KindCapacity},
		{"wrapped classified", fmt.Errorf("outer: %w", New(KindCircuitOpen, "llm", errors.New("open"))), KindCircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(New(KindFatal, "op", errors.New("x"))))
	assert.True(t, IsTerminal(New(KindCircuitOpen, "op", errors.New("x"))))
	assert.False(t, IsTerminal(New(KindRetryable, "op", errors.New("x"))))
	assert.False(t, IsTerminal(New(KindValidation, "op", errors.New("x"))))
	assert.False(t, IsTerminal(New(KindHandoff, "op", errors.New("x"))))
	assert.False(t, IsTerminal(nil))
}

func TestError_UnwrapAndWith(t *testing.T) {
	err := New(KindRetryable, "call", context.DeadlineExceeded).With("label", "actor:alice")

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "actor:alice", err.Context["label"])
	assert.True(t, Is(err, KindRetryable))
	assert.False(t, Is(err, KindFatal))
}
