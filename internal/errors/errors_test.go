package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeOf_Sentinels(t *testing.T) {
	assert.Equal(t, ErrorTypeNotFound, TypeOf(fmt.Errorf("load: %w", ErrDraftNotFound)))
	assert.Equal(t, ErrorTypeConflict, TypeOf(ErrJobInFlight))
	assert.Equal(t, ErrorTypeConflict, TypeOf(ErrSnapshotClientMismatch))
	assert.Equal(t, ErrorTypeValidation, TypeOf(ErrDraftNotReady))
	assert.Equal(t, ErrorTypeError, TypeOf(errors.New("boom")))
}

func TestWrapError_KeepsType(t *testing.T) {
	base := NewUnavailableError("存储不可用", errors.New("dial tcp"))
	wrapped := WrapError(base, "保存草稿", ErrorTypeError)

	assert.Equal(t, ErrorTypeUnavailable, TypeOf(wrapped))
	assert.Contains(t, wrapped.Error(), "保存草稿")
	assert.Nil(t, WrapError(nil, "x", ErrorTypeError))
}

func TestAppError_Unwrap(t *testing.T) {
	err := NewNotFoundError("草稿", ErrDraftNotFound)
	assert.True(t, errors.Is(err, ErrDraftNotFound))
	assert.True(t, IsNotFoundError(err))
	assert.Equal(t, "NOT_FOUND", err.Code)
}
