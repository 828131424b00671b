package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMapping(t *testing.T) {
	tests := []struct {
		err    *Error
		kind   Kind
		status int
	}{
		{Validation("bad field %q", "ram"), KindValidation, http.StatusBadRequest},
		{ResourceExhausted("no free vlans"), KindResourceExhausted, http.StatusConflict},
		{DriverFailure("deploy failed"), KindDriverFailure, http.StatusInternalServerError},
		{DependencyUnavailable("telemetry down"), KindDependencyUnavailable, http.StatusServiceUnavailable},
		{NotFound("slice 9"), KindNotFound, http.StatusNotFound},
		{Forbidden("not the owner"), KindForbidden, http.StatusForbidden},
		{Conflict("already paused"), KindConflict, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
		})
	}
}

func TestWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := DependencyUnavailable("queue publish").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, KindDependencyUnavailable))
	assert.False(t, Is(err, KindConflict))

	// Wrapping through fmt keeps the kind reachable.
	wrapped := fmt.Errorf("stage vlan-map: %w", err)
	assert.Equal(t, KindDependencyUnavailable, KindOf(wrapped))
	assert.True(t, Transient(wrapped))
}

func TestUnknownErrors(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, KindDriverFailure, KindOf(err))
	assert.False(t, Transient(err))

	typed := AsError(err)
	assert.Equal(t, KindDriverFailure, typed.Kind)
	assert.ErrorIs(t, typed, err)
}
