package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"nil", nil, Kind("")},
		{"validation", Validationf("bad field"), KindValidation},
		{"wrapped in fmt", fmt.Errorf("handler: %w", NotFoundf("task x")), KindNotFound},
		{"context canceled", context.Canceled, KindAbort},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"plain error", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestRetryableFlags(t *testing.T) {
	assert.True(t, IsRetryable(RateLimitf("slow down")))
	assert.True(t, IsRetryable(Timeoutf("too slow")))
	assert.True(t, IsRetryable(Networkf("conn reset")))
	assert.True(t, IsRetryable(Overloadedf("backpressure")))

	assert.False(t, IsRetryable(Abort("")))
	assert.False(t, IsRetryable(Validationf("nope")))
	assert.False(t, IsRetryable(Internalf("bug")))
}

func TestErrorsIsMatchesOnKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Abort("shutting down"))
	assert.True(t, errors.Is(err, Abort("")))
	assert.False(t, errors.Is(err, Internalf("")))
	assert.True(t, IsAbort(err))
}

func TestFromPreservesClassification(t *testing.T) {
	orig := RateLimitf("dedup: T was launched 3s ago")
	got := From(fmt.Errorf("wrap: %w", orig))
	assert.Equal(t, KindRateLimit, got.Kind)
	assert.True(t, got.Retryable)

	internal := From(errors.New("nil pointer"))
	assert.Equal(t, KindInternal, internal.Kind)

	aborted := From(context.Canceled)
	assert.Equal(t, KindAbort, aborted.Kind)
	assert.False(t, aborted.Retryable)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Internalf("store write failed").Wrap(cause)
	assert.ErrorIs(t, err, cause)
}
