package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromErrorKeepsTypedErrors(t *testing.T) {
	wrapped := fmt.Errorf("verify: %w", Clone(ErrOutOfRange, "312m from the classroom"))

	got := FromError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, "OUT_OF_RANGE", got.Code)
	assert.Equal(t, http.StatusBadRequest, got.Status)
	assert.Equal(t, "312m from the classroom", got.Message)
}

func TestFromErrorHidesUnknownErrors(t *testing.T) {
	got := FromError(errors.New("pq: connection reset"))
	assert.Equal(t, ErrInternal.Code, got.Code)
	assert.Equal(t, http.StatusInternalServerError, got.Status)
	assert.Nil(t, FromError(nil))
}

func TestIsComparesByCode(t *testing.T) {
	clone := Clone(ErrSessionClosed, "session ended")
	assert.True(t, errors.Is(clone, ErrSessionClosed))
	assert.True(t, errors.Is(fmt.Errorf("ctx: %w", clone), ErrSessionClosed))
	assert.False(t, errors.Is(clone, ErrInvalidTransition))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, "X", http.StatusTeapot, "short")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "short: boom", err.Error())
}
