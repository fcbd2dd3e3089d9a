package remote

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{400, KindValidation},
		{404, KindValidation},
		{409, KindConflict},
		{422, KindValidation},
		{429, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.code))
		})
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	conflict := fmt.Errorf("sync m1: %w", &ConflictError{Op: "update matches/m1", CurrentVersion: 4})
	assert.Equal(t, KindConflict, KindOf(conflict))
	assert.True(t, IsConflict(conflict))

	ce, ok := AsConflict(conflict)
	assert.True(t, ok)
	assert.Equal(t, int64(4), ce.CurrentVersion)

	validation := fmt.Errorf("sync m1: %w", NewValidationError("create teams", "name required"))
	assert.Equal(t, KindValidation, KindOf(validation))
	assert.False(t, IsTransient(validation))

	offline := NewOfflineError("update matches/m1")
	assert.True(t, IsOffline(offline))
	assert.False(t, IsTransient(offline))
}

func TestKindOf_UnknownIsTransient(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("mystery")))
	assert.True(t, IsTransient(errors.New("mystery")))
	assert.False(t, IsTransient(nil))
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindValidation, Op: "create teams", StatusCode: 422, Message: "name required"}
	assert.Equal(t, "create teams: validation (HTTP 422): name required", err.Error())

	cause := errors.New("connection refused")
	terr := NewTransientError("update matches/m1", cause)
	assert.Equal(t, "update matches/m1: transient: connection refused", terr.Error())
	assert.ErrorIs(t, terr, cause)
}
