package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/hoot-chat/mcp-gateway/pkg/db"
	"github.com/hoot-chat/mcp-gateway/pkg/log"
	"github.com/hoot-chat/mcp-gateway/pkg/mcp"
	"github.com/hoot-chat/mcp-gateway/pkg/oauth"
)

// Kind names the protocol-level error classes of the REST contract.
type Kind string

const (
	KindTokenMissing         Kind = "TokenMissing"
	KindTokenInvalid         Kind = "TokenInvalid"
	KindTokenExpired         Kind = "TokenExpired"
	KindOriginRejected       Kind = "OriginRejected"
	KindRateLimited          Kind = "RateLimited"
	KindValidationError      Kind = "ValidationError"
	KindNotFound             Kind = "NotFound"
	KindVerifierMissing      Kind = "VerifierMissing"
	KindTransportError       Kind = "TransportError"
	KindUpstreamError        Kind = "UpstreamError"
	KindFilterNotInitialized Kind = "FilterNotInitialized"
	KindInternal             Kind = "Internal"
)

var kindStatus = map[Kind]int{
	KindTokenMissing:         http.StatusUnauthorized,
	KindTokenInvalid:         http.StatusUnauthorized,
	KindTokenExpired:         http.StatusUnauthorized,
	KindOriginRejected:       http.StatusForbidden,
	KindRateLimited:          http.StatusTooManyRequests,
	KindValidationError:      http.StatusBadRequest,
	KindNotFound:             http.StatusNotFound,
	KindVerifierMissing:      http.StatusBadRequest,
	KindTransportError:       http.StatusBadGateway,
	KindUpstreamError:        http.StatusBadGateway,
	KindFilterNotInitialized: http.StatusConflict,
	KindInternal:             http.StatusInternalServerError,
}

type errorBody struct {
	Error   Kind           `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Expired bool           `json:"expired,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logf("! Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, kind Kind, message string) {
	writeErrorDetails(w, kind, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, kind Kind, message string, details map[string]any) {
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{
		Error:   kind,
		Message: message,
		Details: details,
		Expired: kind == KindTokenExpired,
	})
}

// writeDomainError maps component errors onto the taxonomy. Diagnostics
// stay in the logs; the body carries only the kind and a short message.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mcp.ErrServerNotFound):
		writeError(w, KindNotFound, "unknown server")
	case errors.Is(err, oauth.ErrVerifierMissing):
		writeError(w, KindVerifierMissing, "authorization flow expired, restart it")
	case errors.Is(err, oauth.ErrStateMismatch):
		writeError(w, KindValidationError, "state parameter not recognized")
	case errors.Is(err, db.ErrEmptyTenant):
		writeError(w, KindValidationError, "tenant id missing")
	default:
		log.Logf("! Upstream operation failed: %v", err)
		writeError(w, KindTransportError, "upstream request failed")
	}
}

// writeValidationError flattens validator field errors into details.
func writeValidationError(w http.ResponseWriter, err error) {
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) {
		details := make(map[string]any, len(fieldErrors))
		for _, fe := range fieldErrors {
			details[fe.Field()] = fe.Tag()
		}
		writeErrorDetails(w, KindValidationError, "request body failed validation", details)
		return
	}
	writeError(w, KindValidationError, err.Error())
}
