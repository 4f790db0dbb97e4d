package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

// handleNotificationToken registers the parent app's push token. Zone
// alerts for the device are addressed to the latest token.
func (s *Server) handleNotificationToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "Request body is not valid JSON")
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "Required field 'token' is missing")
		return
	}

	deviceID := r.PathValue("deviceId")
	if err := s.store.SetPushToken(r.Context(), deviceID, token); err != nil {
		s.fail(w, r, notFoundAs(err, deviceNotFound(deviceID)))
		return
	}
	s.logger.Info("push token registered", "device_id", deviceID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"deviceId":     deviceID,
		"notification": map[string]any{"enabled": true},
	})
}
