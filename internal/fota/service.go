package fota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/store"
)

var (
	// ErrNoJob means the device has never had a FOTA job.
	ErrNoJob = errors.New("no fota job for device")

	// ErrUpstream wraps failures of the FOTA collaborator.
	ErrUpstream = errors.New("fota collaborator failed")
)

type Service struct {
	store  store.Store
	client Client
	logger *slog.Logger
	now    func() time.Time
}

func NewService(s store.Store, c Client, logger *slog.Logger) *Service {
	return &Service{store: s, client: c, logger: logger, now: time.Now}
}

// Trigger creates a job for one device and records it as the device's
// latest job. The job is returned even when recording it fails.
func (s *Service) Trigger(ctx context.Context, deviceID, firmwareID string) (domain.FotaJob, error) {
	if _, err := s.store.GetState(ctx, deviceID); err != nil {
		return domain.FotaJob{}, err
	}

	job, err := s.client.CreateJob(ctx, firmwareID, []string{deviceID})
	if err != nil {
		return domain.FotaJob{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if job.CreatedAt == nil {
		now := s.now().UTC()
		job.CreatedAt = &now
	}

	if err := s.store.SetLastFota(ctx, deviceID, job); err != nil {
		s.logger.Error("recording fota job failed", "device_id", deviceID, "job_id", job.JobID, "error", err)
	}
	s.logger.Info("fota job created", "device_id", deviceID, "job_id", job.JobID, "firmware_id", firmwareID)
	return job, nil
}

// Status polls the collaborator for the device's latest job. Fields the
// collaborator leaves empty fall back to what was recorded at creation.
func (s *Service) Status(ctx context.Context, deviceID string) (domain.FotaJob, error) {
	st, err := s.store.GetState(ctx, deviceID)
	if err != nil {
		return domain.FotaJob{}, err
	}
	last := st.LastFota
	if last == nil || last.JobID == "" {
		return domain.FotaJob{}, ErrNoJob
	}

	job, err := s.client.GetJob(ctx, last.JobID)
	if err != nil {
		return domain.FotaJob{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if job.FirmwareID == "" {
		job.FirmwareID = last.FirmwareID
	}
	if job.CreatedAt == nil {
		job.CreatedAt = last.CreatedAt
	}
	if job.Status == "" {
		job.Status = "UNKNOWN"
	}
	return job, nil
}
