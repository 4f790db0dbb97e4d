package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/ingest"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/normalizer"
)

const teamIDHeader = "x-nrfcloud-team-id"

type webhookResponse struct {
	Message string `json:"message"`
	ingest.Summary
}

// handleWebhook takes relay deliveries. A body that is not an envelope is
// answered 400; an envelope that could not be fully applied is answered
// 503 so the relay redelivers it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "Request body could not be read")
		return
	}

	res, err := s.ingestor.HandleEnvelope(r.Context(), body)
	switch {
	case errors.Is(err, normalizer.ErrInvalidEnvelope):
		s.logger.Warn("rejecting webhook body", "error", err)
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "Invalid JSON")
		return
	case errors.Is(err, ingest.ErrDeadline), errors.Is(err, ingest.ErrIncomplete):
		writeError(w, http.StatusServiceUnavailable, domain.CodeUnavailable, err.Error())
		return
	case err != nil:
		s.fail(w, r, err)
		return
	}

	switch {
	case res.Control != nil:
		s.logger.Info("answering relay verification")
		if s.teamID != "" {
			w.Header().Set(teamIDHeader, s.teamID)
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
	case res.UnknownType != "":
		writeJSON(w, http.StatusOK, map[string]any{"message": "OK", "skipped": true})
	default:
		writeJSON(w, http.StatusOK, webhookResponse{Message: "OK", Summary: res.Summary})
	}
}
