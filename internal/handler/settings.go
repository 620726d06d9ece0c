package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/dukerupert/newsletter-admin/internal/model"
	"github.com/dukerupert/newsletter-admin/internal/store"
	"github.com/dukerupert/newsletter-admin/internal/websocket"
	"github.com/go-playground/validator/v10"
)

const (
	msgRetentionDays   = "retention_days must be 1-365"
	msgDestinationPath = "destination_path is required"
	msgDestinationLong = "destination_path must be at most 400 characters"
)

type SettingsHandler struct {
	settingsStore *store.SettingsStore
	hub           *websocket.Hub
	validate      *validator.Validate
	logger        *slog.Logger
}

func NewSettingsHandler(ss *store.SettingsStore, hub *websocket.Hub, logger *slog.Logger) *SettingsHandler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &SettingsHandler{settingsStore: ss, hub: hub, validate: v, logger: logger}
}

func (h *SettingsHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

func (h *SettingsHandler) GetBackup(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settingsStore.GetBackupSettings(r.Context())
	if err != nil {
		h.logger.Error("get backup settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// backupSettingsRequest allows either field to be omitted; omitted fields
// keep their stored value.
type backupSettingsRequest struct {
	DestinationPath *string `json:"destination_path"`
	RetentionDays   *int    `json:"retention_days"`
}

func (h *SettingsHandler) UpdateBackup(w http.ResponseWriter, r *http.Request) {
	var req backupSettingsRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "retention_days" {
			writeError(w, http.StatusBadRequest, msgRetentionDays)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	settings, err := h.settingsStore.GetBackupSettings(r.Context())
	if err != nil {
		h.logger.Error("get backup settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get settings")
		return
	}
	if req.DestinationPath != nil {
		settings.DestinationPath = strings.TrimSpace(*req.DestinationPath)
	}
	if req.RetentionDays != nil {
		settings.RetentionDays = *req.RetentionDays
	}

	if err := h.validateBackupSettings(settings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.settingsStore.SetBackupSettings(r.Context(), settings); err != nil {
		h.logger.Error("save backup settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}

	h.broadcast(websocket.NewMessage("settings_updated", 0, settings))
	writeJSON(w, http.StatusOK, settings)
}

func (h *SettingsHandler) validateBackupSettings(s model.BackupSettings) error {
	err := h.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch fe := verrs[0]; fe.Field() {
	case "retention_days":
		return errors.New(msgRetentionDays)
	case "destination_path":
		if fe.Tag() == "max" {
			return errors.New(msgDestinationLong)
		}
		return errors.New(msgDestinationPath)
	default:
		return errors.New(fe.Error())
	}
}
