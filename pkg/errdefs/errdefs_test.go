package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", New(KindTimeout, "job exceeded limit"), KindTimeout},
		{"wrapped", fmt.Errorf("dispatch: %w", New(KindImageNotAllowed, "no")), KindImageNotAllowed},
		{"plain", errors.New("boom"), KindInternal},
		{"nil-ish wrap", fmt.Errorf("outer: %w", Validation("bad tasks")), KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindRunNotFound, http.StatusNotFound},
		{KindDirectiveNotFound, http.StatusNotFound},
		{KindNoEligibleHost, http.StatusConflict},
		{KindInsufficientVRAM, http.StatusConflict},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindDispatchFailed, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestAsErrorPreservesKind(t *testing.T) {
	orig := New(KindCancelled, "operator cancelled")
	got := AsError(fmt.Errorf("tick: %w", orig))
	assert.Equal(t, KindCancelled, got.Kind)

	plain := AsError(errors.New("unexpected"))
	assert.Equal(t, KindInternal, plain.Kind)
	assert.Equal(t, "unexpected", plain.Message)
}
