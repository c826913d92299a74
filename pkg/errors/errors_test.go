package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithDetailLeavesSentinelUntouched(t *testing.T) {
	first := ErrValidation.WithDetail("message", "first")
	second := ErrValidation.WithDetail("field", "name")

	assert.Empty(t, ErrValidation.Details)
	assert.Equal(t, "first", first.Details["message"])
	assert.NotContains(t, second.Details, "message")

	chained := first.WithDetail("field", "name")
	assert.Len(t, chained.Details, 2)
	assert.Len(t, first.Details, 1)
}

func TestClassification(t *testing.T) {
	wrapped := fmt.Errorf("run: %w", ErrBusy.WithDetail("message", "held"))

	assert.True(t, IsBusy(wrapped))
	assert.False(t, IsConflict(wrapped))
	assert.Equal(t, http.StatusConflict, ToHTTPStatus(wrapped))
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(fmt.Errorf("plain")))

	resp := ToErrorResponse(ErrNotFound.WithDetail("id", 7))
	assert.Equal(t, "NOT_FOUND", resp["error_code"])
	assert.Equal(t, map[string]interface{}{"id": 7}, resp["details"])
}

func TestRetryClassification(t *testing.T) {
	assert.True(t, ErrValidation.IsFatal())
	assert.False(t, ErrValidation.IsRetryable())
	assert.True(t, ErrRemoteWrite.IsRetryable())
	assert.True(t, ErrValidation.AsRetryable().IsRetryable())
}
