package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// writeJSON encodes v into a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing left to do but note it.
		slog.Default().Error("failed to encode response", "error", err)
	}
}

// writeError maps a business error to its HTTP status and writes the
// {"detail": ...} body. Internal errors are logged with their cause and
// answered with a generic detail so backing-store text never leaks out.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	status := statusForKind(kind)
	detail := apperr.Message(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "kind", kind.String(), "error", err)
		detail = "internal error"
	}
	writeJSON(w, status, types.ErrorResponse{Detail: detail})
}

// statusForKind is the single place the error taxonomy meets HTTP.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.Unauthenticated:
		return http.StatusUnauthorized
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.InvalidInput, apperr.InsufficientFunds, apperr.NoLiquidity:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON request body into dst, limiting its size.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "malformed request body")
	}
	return nil
}
