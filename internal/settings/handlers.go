package settings

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-settlement/internal/common"
	"github.com/noah-isme/checkout-settlement/internal/events"
)

const maxValueBytes = 64 << 10

// Publisher emits domain events.
type Publisher interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Handler exposes the admin settings endpoint.
type Handler struct {
	Svc    *Service
	Events Publisher
	Logger zerolog.Logger
}

type updatedPayload struct {
	Key       string   `json:"key"`
	Version   string   `json:"version"`
	UpdatedBy string   `json:"updatedBy,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Update replaces the JSON value stored under one settings key.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil || !json.Valid(body) {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "value must be valid JSON", nil)
		return
	}
	by, _ := common.UserID(r.Context())
	snap, err := h.Svc.Update(r.Context(), key, json.RawMessage(body), by)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownKey):
			common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "unknown settings key", map[string]any{"keys": Keys})
		case errors.Is(err, ErrUnavailable):
			common.JSONError(w, http.StatusServiceUnavailable, common.CodeConfigUnavailable, "settings store unavailable", nil)
		case errors.Is(err, ErrMalformed):
			common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		default:
			h.Logger.Error().Err(err).Str("key", key).Msg("settings update failed")
			common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "failed to update settings", nil)
		}
		return
	}
	if h.Events != nil {
		payload := updatedPayload{Key: key, Version: snap.Version, UpdatedBy: by, Warnings: snap.Warnings}
		if _, err := h.Events.Emit(r.Context(), events.TopicSettingsUpdated, key, payload); err != nil {
			h.Logger.Warn().Err(err).Str("key", key).Msg("settings event emit failed")
		}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"key":      key,
		"version":  snap.Version,
		"warnings": snap.Warnings,
	}})
}
