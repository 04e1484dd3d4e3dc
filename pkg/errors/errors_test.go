package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMediaAccessError_WrapsCause(t *testing.T) {
	cause := errors.New("permission denied")
	err := MediaAccessError(cause)

	assert.Equal(t, ErrCodeMediaAccess, err.Code)
	assert.Equal(t, http.StatusFailedDependency, err.StatusCode)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestHasCode_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("start call: %w", NegotiationError("create offer", errors.New("boom")))

	assert.True(t, HasCode(err, ErrCodeNegotiation))
	assert.False(t, HasCode(err, ErrCodeMediaAccess))
	assert.True(t, IsAppError(err))
}

func TestGetAppError(t *testing.T) {
	appErr := GetAppError(CallInProgressError())
	assert.Equal(t, ErrCodeCallInProgress, appErr.Code)
	assert.Equal(t, http.StatusConflict, appErr.StatusCode)

	plain := GetAppError(errors.New("plain"))
	assert.Equal(t, ErrCodeInternal, plain.Code)
	assert.Equal(t, "plain", plain.Message)
}
