package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/keygate/internal/licensing"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// writeError maps a licensing error to its HTTP status. Storage failures are
// logged with op and attrs and reported without detail.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error, op string, attrs ...any) {
	switch licensing.KindOf(err) {
	case licensing.KindNotFound:
		writeFailure(w, http.StatusNotFound, rootMessage(err))
	case licensing.KindValidation, licensing.KindLimit:
		writeFailure(w, http.StatusBadRequest, rootMessage(err))
	default:
		logger.Error(op+" failed", append(attrs, "error", err)...)
		writeFailure(w, http.StatusInternalServerError, "internal error")
	}
}

// rootMessage returns the sentinel text for licensing errors so wrapped
// context never reaches clients.
func rootMessage(err error) string {
	for _, sentinel := range []error{
		licensing.ErrLicenseNotFound,
		licensing.ErrProductNotFound,
		licensing.ErrActivationNotFound,
		licensing.ErrArtifactNotFound,
		licensing.ErrProductMismatch,
		licensing.ErrLicenseInactive,
		licensing.ErrLicenseDisabled,
		licensing.ErrLicenseExpired,
		licensing.ErrInvalidDomain,
		licensing.ErrActivationLimit,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	// ErrInvalidInput carries a useful field description.
	return err.Error()
}

func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}
