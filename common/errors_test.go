package common

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
		{"Nil", nil, Kind("")},
		{"Typed", E(KindConflict, "sprint already active"), KindConflict},
		{"Wrapped", fmt.Errorf("outer: %w", E(KindNotFound, "no such source")), KindNotFound},
		{"DoubleWrapped", Wrap(KindStorageUnavailable, errors.New("dial tcp refused"), "pool exhausted"), KindStorageUnavailable},
		{"Untyped", errors.New("plain"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("context: %w", E(KindAlreadyGlobal, "source s1 is global"))
	assert.True(t, errors.Is(err, &Error{Kind: KindAlreadyGlobal}))
	assert.False(t, errors.Is(err, &Error{Kind: KindNotFound}))
}

func TestValidationField(t *testing.T) {
	err := ValidationField("url", "must be absolute")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "field url")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindAlreadyGlobal, http.StatusConflict},
		{KindSessionIDMismatch, http.StatusConflict},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindStorageUnavailable, http.StatusServiceUnavailable},
		{KindProviderTimeout, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.kind), string(tt.kind))
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(E(KindStorageUnavailable, "down")))
	assert.True(t, Retryable(E(KindRateLimited, "throttled")))
	assert.False(t, Retryable(E(KindConflict, "dup")))
	assert.False(t, Retryable(nil))
}

func TestOutputSplitterWrite(t *testing.T) {
	splitter := &OutputSplitter{}

	for _, msg := range [][]byte{
		[]byte(`time="2026-01-15T10:30:00Z" level=error msg="storage unavailable"`),
		[]byte(`time="2026-01-15T10:30:00Z" level=info msg="pipeline completed"`),
		[]byte(``),
	} {
		n, err := splitter.Write(msg)
		assert.NoError(t, err)
		assert.Equal(t, len(msg), n)
	}
}
