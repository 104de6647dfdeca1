package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := Forbiddenf("annotation %s belongs to %s", "a1", "alice")

	assert.True(t, Is(err, ErrForbidden))
	assert.False(t, Is(err, ErrNotFound))

	wrapped := fmt.Errorf("update: %w", err)
	assert.True(t, Is(wrapped, ErrForbidden))
}

func TestError_WithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Persistence("could not save annotation", cause)

	assert.Equal(t, "could not save annotation: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, ErrPersistence))
}

func TestCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code     Code
		expected int
	}{
		{CodeNotFound, http.StatusNotFound},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeValidation, http.StatusBadRequest},
		{CodeConflict, http.StatusConflict},
		{CodePersistence, http.StatusBadGateway},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.code.HTTPStatus())
		})
	}
}

func TestCodeForStatus(t *testing.T) {
	assert.Equal(t, CodeNotFound, CodeForStatus(http.StatusNotFound))
	assert.Equal(t, CodeForbidden, CodeForStatus(http.StatusForbidden))
	assert.Equal(t, CodeValidation, CodeForStatus(http.StatusBadRequest))
	assert.Equal(t, CodePersistence, CodeForStatus(http.StatusServiceUnavailable))
}
