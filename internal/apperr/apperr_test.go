package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := NotFound("db.GetRoom", "room %q", "r1")
	wrapped := fmt.Errorf("join: %w", err)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrForbidden))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Contains(t, err.Error(), `room "r1"`)
}

func TestStatusRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindNotFound, KindForbidden, KindInvalid, KindTransient} {
		status := HTTPStatus(E(kind, "op", nil))
		assert.Equal(t, kind, KindOf(FromStatus("op", status, "x")), kind.String())
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
	assert.Equal(t, KindForbidden, KindOf(FromStatus("op", http.StatusUnauthorized, "")))
}
