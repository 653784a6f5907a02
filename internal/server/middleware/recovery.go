// Package middleware holds the HTTP middleware chain of the admin server.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	apperrors "github.com/3leaps/unreact/internal/errors"
)

// ErrorResponse mirrors apperrors.HTTPErrorResponse for envelope-based
// responses.
type ErrorResponse struct {
	Error struct {
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		Details   map[string]any `json:"details,omitempty"`
		RequestID string         `json:"request_id,omitempty"`
	} `json:"error"`
}

// Recovery turns a handler panic into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			envelope := gferrors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			requestID := apperrors.RequestIDFromContext(r.Context())
			if requestID != "" {
				envelope = envelope.WithCorrelationID(requestID)
			}
			writeEnvelope(w, envelope, http.StatusInternalServerError, requestID)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, statusCode int) {
	writeEnvelope(w, envelope, statusCode, "")
}

// writeEnvelope renders a gofulmen envelope in the service's error shape.
// The envelope is read through its JSON form.
func writeEnvelope(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, statusCode int, requestID string) {
	var resp ErrorResponse
	resp.Error.Code = apperrors.CodeInternal
	resp.Error.Message = "internal server error"

	if raw, err := json.Marshal(envelope); err == nil {
		var fields map[string]any
		if json.Unmarshal(raw, &fields) == nil {
			if s, ok := fields["code"].(string); ok && s != "" {
				resp.Error.Code = s
			}
			if s, ok := fields["message"].(string); ok && s != "" {
				resp.Error.Message = s
			}
			for _, key := range []string{"context", "details"} {
				if m, ok := fields[key].(map[string]any); ok && len(m) > 0 {
					resp.Error.Details = m
					break
				}
			}
			if requestID == "" {
				for _, key := range []string{"correlation_id", "correlationId"} {
					if s, ok := fields[key].(string); ok && s != "" {
						requestID = s
						break
					}
				}
			}
		}
	}
	resp.Error.RequestID = requestID

	apperrors.WriteJSON(w, statusCode, resp)
}
