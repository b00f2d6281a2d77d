// Package http provides the HTTP API for the occupancy service.
package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"

	serrors "github.com/egatchal/tippers-services/internal/errors"
)

type contextKey string

const (
	requestIDKey     contextKey = "request_id"
	correlationIDKey contextKey = "correlation_id"
)

// ErrorResponse is the wire shape of every error. Code carries the
// service error code so clients can branch without parsing messages.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RequestIDMiddleware tags each request with an X-Request-ID, keeping
// an incoming one so a client can trace its own call.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationIDMiddleware carries an X-Correlation-ID across service
// hops. Without one it reuses the request ID, so runs after
// RequestIDMiddleware in the chain.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			if reqID, ok := r.Context().Value(requestIDKey).(string); ok {
				correlationID = reqID
			} else {
				correlationID = uuid.New().String()
			}
		}

		w.Header().Set("X-Correlation-ID", correlationID)
		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware turns a handler panic into a logged 500 instead
// of a dropped connection.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestID, _ := r.Context().Value(requestIDKey).(string)
				log.Printf("api: panic serving %s %s (request %s): %v", r.Method, r.URL.Path, requestID, err)
				writeError(w, http.StatusInternalServerError, "internal server error", requestID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ContentTypeMiddleware sets the JSON content type; every endpoint
// speaks JSON, including errors.
func ContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ChainMiddleware composes middlewares so the first argument is the
// outermost wrapper.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// DefaultMiddleware returns the default middleware chain for API handlers.
func DefaultMiddleware() func(http.Handler) http.Handler {
	return ChainMiddleware(
		RecoveryMiddleware,
		RequestIDMiddleware,
		CorrelationIDMiddleware,
		ContentTypeMiddleware,
	)
}

// writeError writes an error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, message string, requestID ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Error: message,
	}
	if len(requestID) > 0 && requestID[0] != "" {
		resp.RequestID = requestID[0]
	}

	json.NewEncoder(w).Encode(resp)
}

// writeServiceError maps a service error to its HTTP status and wire
// shape, keeping the error code visible to clients.
func writeServiceError(w http.ResponseWriter, err error, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(serrors.HTTPStatus(err))

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     err.Error(),
		Code:      serrors.GetCode(err),
		RequestID: requestID,
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetCorrelationID retrieves the correlation ID from the context.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
