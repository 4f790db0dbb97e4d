package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/fota"
)

type fotaView struct {
	JobID       string            `json:"jobId"`
	Status      domain.FotaStatus `json:"status"`
	FirmwareID  string            `json:"firmwareId"`
	CreatedAt   *string           `json:"createdAt"`
	CompletedAt *string           `json:"completedAt"`
}

func toFotaView(j domain.FotaJob) fotaView {
	return fotaView{
		JobID:       j.JobID,
		Status:      j.Status,
		FirmwareID:  j.FirmwareID,
		CreatedAt:   domain.TimestampPtr(j.CreatedAt),
		CompletedAt: domain.TimestampPtr(j.CompletedAt),
	}
}

func (s *Server) handleFirmware(w http.ResponseWriter, r *http.Request) {
	st, err := s.loadDevice(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": st.DeviceID,
		"firmware": map[string]any{
			"currentVersion": st.FirmwareVersion,
			"lastUpdated":    domain.TimestampPtr(st.FirmwareLastUpdated),
		},
	})
}

func (s *Server) fotaError(err error, deviceID string) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return deviceNotFound(deviceID)
	case errors.Is(err, fota.ErrNoJob):
		return newAPIError(http.StatusNotFound, domain.CodeNoFotaJob, "No FOTA job found for device")
	case errors.Is(err, fota.ErrUpstream):
		s.logger.Error("fota collaborator failed", "device_id", deviceID, "error", err)
		return newAPIError(http.StatusBadGateway, domain.CodeFotaError, "FOTA service error")
	}
	return err
}

var fotaUnconfigured = newAPIError(http.StatusServiceUnavailable, domain.CodeUnavailable, "FOTA is not configured")

func (s *Server) handleFirmwareUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FirmwareID string `json:"firmwareId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "Request body is not valid JSON")
		return
	}
	if req.FirmwareID == "" {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "Required field 'firmwareId' is missing")
		return
	}
	if s.firmware == nil {
		s.fail(w, r, fotaUnconfigured)
		return
	}

	deviceID := r.PathValue("deviceId")
	job, err := s.firmware.Trigger(r.Context(), deviceID, req.FirmwareID)
	if err != nil {
		s.fail(w, r, s.fotaError(err, deviceID))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"deviceId": deviceID, "fota": toFotaView(job)})
}

func (s *Server) handleFirmwareStatus(w http.ResponseWriter, r *http.Request) {
	if s.firmware == nil {
		s.fail(w, r, fotaUnconfigured)
		return
	}
	deviceID := r.PathValue("deviceId")
	job, err := s.firmware.Status(r.Context(), deviceID)
	if err != nil {
		s.fail(w, r, s.fotaError(err, deviceID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": deviceID, "fota": toFotaView(job)})
}
