package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"orgpass.org/internal/apperr"
	"orgpass.org/internal/credential"
	"orgpass.org/internal/obs"
)

// statusFor maps an error to its HTTP status by kind. Expired credentials
// are gone rather than conflicting.
func statusFor(err error) int {
	if errors.Is(err, credential.ErrExpired) {
		return http.StatusGone
	}
	switch apperr.KindOf(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrUnauthenticated:
		return http.StatusUnauthorized
	case apperr.ErrForbidden:
		return http.StatusForbidden
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err with its reason code. Internal failures are
// logged and reported without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		obs.Logger().LogAttrs(r.Context(), slog.LevelError, "request_failed",
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeErrorCode(w, r, code, apperr.CodeOf(err), "internal error")
		return
	}
	writeErrorCode(w, r, code, apperr.CodeOf(err), message(err))
}

func message(err error) string {
	var reason *apperr.Reason
	if errors.As(err, &reason) {
		return reason.Error()
	}
	return err.Error()
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": msg,
		},
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}
