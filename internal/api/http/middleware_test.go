package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/egatchal/tippers-services/internal/errors"
)

func TestRequestIDMiddleware(t *testing.T) {
	var captured string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/health", nil))

	assert.NotEmpty(t, captured)
	assert.Equal(t, captured, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddlewarePreservesIncoming(t *testing.T) {
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "caller-supplied", rec.Header().Get("X-Request-ID"))
}

func TestCorrelationIDReusesRequestID(t *testing.T) {
	var reqID, corrID string
	h := ChainMiddleware(RequestIDMiddleware, CorrelationIDMiddleware)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID = GetRequestID(r.Context())
			corrID = GetCorrelationID(r.Context())
		}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/health", nil))

	require.NotEmpty(t, reqID)
	assert.Equal(t, reqID, corrID)
	assert.Equal(t, corrID, rec.Header().Get("X-Correlation-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler blew up")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/datasets", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "internal server error", resp.Error)
}

func TestChainMiddlewareOrder(t *testing.T) {
	var order []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := ChainMiddleware(tag("outer"), tag("inner"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "handler")
		}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestWriteServiceErrorMapsStatusAndCode(t *testing.T) {
	err := serrors.NewValidationError(serrors.CodeInvalidInterval, "interval 60 is not allowed")

	rec := httptest.NewRecorder()
	writeServiceError(rec, err, "req-1")

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, serrors.CodeInvalidInterval, resp.Code)
	assert.Equal(t, "req-1", resp.RequestID)
}
