package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifiedError(t *testing.T) {
	t.Run("Basic error creation", func(t *testing.T) {
		err := NewError(CategoryConfig, "registry unreadable").
			WithSeverity(SeverityFatal).
			WithContext("dir", "/srv/registry").
			Build()

		assert.Equal(t, CategoryConfig, err.Category())
		assert.Equal(t, SeverityFatal, err.Severity())
		assert.Equal(t, "registry unreadable", err.Message())

		dir, ok := err.Context().GetString("dir")
		require.True(t, ok)
		assert.Equal(t, "/srv/registry", dir)
	})

	t.Run("Detection through wrapping", func(t *testing.T) {
		base := ContentError("no geometry").Build()
		wrapped := fmt.Errorf("export a.md: %w", base)

		assert.True(t, IsClassified(wrapped))
		assert.True(t, HasCategory(wrapped, CategoryContent))
		assert.False(t, HasCategory(wrapped, CategoryConversion))
		assert.Equal(t, CategoryContent, GetCategory(wrapped))
	})

	t.Run("Unclassified defaults", func(t *testing.T) {
		err := errors.New("plain")
		assert.False(t, IsClassified(err))
		assert.Equal(t, CategoryInternal, GetCategory(err))
		assert.False(t, IsTransient(err))
	})

	t.Run("WithContext does not mutate the original", func(t *testing.T) {
		orig := ConversionError("failed").WithContext("a", 1).Build()
		derived := orig.WithContext("b", 2)

		_, hasB := orig.Context().Get("b")
		assert.False(t, hasB)
		v, _ := derived.Context().Get("a")
		assert.Equal(t, 1, v)
	})
}

func TestErrorBuilder(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapError(cause, CategoryNetwork, "fetch failed").
		Warning().
		Retryable().
		WithContext("url", "https://example.com/a.md").
		Build()

	assert.Equal(t, SeverityWarning, err.Severity())
	assert.Equal(t, RetryBackoff, err.RetryStrategy())
	assert.True(t, errors.Is(err, cause))
	assert.True(t, err.IsTransient())
	assert.True(t, err.CanRetry())
}

func TestTaxonomyConstructors(t *testing.T) {
	assert.False(t, ConfigError("x").Build().IsFatal())
	assert.Equal(t, RetryNextTick, ConfigError("x").Build().RetryStrategy())
	assert.False(t, ConfigError("x").Build().IsTransient())
	assert.Equal(t, SeverityInfo, LockContention("x").Build().Severity())
	assert.True(t, InfrastructureError("x").Build().IsFatal())
	assert.False(t, ConversionError("x").Build().CanRetry())
	assert.True(t, NetworkError("x").Build().IsTransient())
}

func TestCLIErrorAdapter_ExitCodeFor(t *testing.T) {
	adapter := NewCLIErrorAdapter(false, slog.Default())

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "nil error", err: nil, expected: 0},
		{name: "validation", err: ValidationError("bad flag").Build(), expected: 2},
		{name: "lock contention", err: LockContention("busy").Build(), expected: 3},
		{name: "config", err: ConfigError("registry empty").Build(), expected: 7},
		{name: "infrastructure", err: InfrastructureError("no log dir").Build(), expected: 12},
		{name: "wrapped conversion", err: fmt.Errorf("run: %w", ConversionError("boom").Build()), expected: 11},
		{name: "unclassified", err: errors.New("unknown"), expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, adapter.ExitCodeFor(tt.err))
		})
	}
}

func TestCLIErrorAdapter_FormatError(t *testing.T) {
	quiet := NewCLIErrorAdapter(false, nil)
	verbose := NewCLIErrorAdapter(true, nil)

	err := ConfigError("registry empty").Build()
	assert.Equal(t, "Error: registry empty", quiet.FormatError(err))
	assert.Contains(t, verbose.FormatError(err), "[config:error]")
	assert.Equal(t, "Internal error occurred (use -v for details)", quiet.FormatError(InternalError("x").Build()))
	assert.Equal(t, "Error: plain", quiet.FormatError(errors.New("plain")))
}

func TestHTTPErrorAdapter(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)

	assert.Equal(t, http.StatusConflict, adapter.StatusCodeFor(LockContention("busy").Build()))
	assert.Equal(t, http.StatusBadRequest, adapter.StatusCodeFor(ValidationError("bad").Build()))
	assert.Equal(t, http.StatusInternalServerError, adapter.StatusCodeFor(errors.New("x")))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/export/trigger", nil)
	adapter.WriteErrorResponse(rec, req, LockContention("export already running").WithContext("scope", "/out").Build())

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"code":"lock"`)
	assert.Contains(t, rec.Body.String(), `"retryable":true`)
}
