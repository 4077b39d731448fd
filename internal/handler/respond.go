package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/mocktest/internal/i18n"
	"github.com/pavelanni/mocktest/internal/session"
)

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// respondError maps session errors to a status code and a localized message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var ce *session.ConfigError

	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.As(err, &ce):
		status = http.StatusBadRequest
		msg = appI18n.Td(ctx, "ErrInvalidConfig", map[string]any{"Field": ce.Field, "Reason": ce.Reason})
	case errors.Is(err, session.ErrInvalidPhase), errors.Is(err, session.ErrClosed):
		status = http.StatusConflict
		msg = appI18n.T(ctx, "ErrInvalidPhase")
	case errors.Is(err, session.ErrUnknownQuestion):
		status = http.StatusNotFound
		msg = appI18n.T(ctx, "ErrUnknownQuestion")
	case errors.Is(err, session.ErrOutOfRange):
		status = http.StatusUnprocessableEntity
		msg = appI18n.T(ctx, "ErrOutOfRange")
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		respondJSON(w, status, errorResponse{Error: msg})
		return
	}
	respondJSON(w, status, errorResponse{Error: msg, Detail: err.Error()})
}
