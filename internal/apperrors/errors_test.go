package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vipul43/warncheck/internal/models"
)

func TestValidationError(t *testing.T) {
	var v ValidationError
	assert.False(t, v.HasError())
	assert.Equal(t, "", v.Error())

	v.Add(errors.New("usernames must not be empty"))
	v.Addf("username %q listed %d times", "alice", 2)

	assert.True(t, v.HasError())
	assert.Contains(t, v.Error(), "usernames must not be empty")
	assert.Contains(t, v.Error(), `username "alice" listed 2 times`)
}

func TestPersistence(t *testing.T) {
	assert.NoError(t, Persistence("save", nil))

	err := Persistence("save account", errors.New("disk full"))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), "disk full")
}

func TestReason(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"persistence", Persistence("append", errors.New("boom")), models.ReasonPersistenceFailure},
		{"device", fmt.Errorf("connect: %w", ErrDeviceUnreachable), models.ReasonDeviceUnreachable},
		{"no account", ErrNoAccountAvailable, models.ReasonNoAccountAvailable},
		{"account unavailable", fmt.Errorf("login: %w", ErrAccountUnavailable), models.ReasonAccountUnavailable},
		{"auth failure", ErrAccountAuthFailure, models.ReasonAccountUnavailable},
		{"other", errors.New("something else"), models.ReasonInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Reason(tt.err))
		})
	}
}
