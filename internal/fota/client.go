// Package fota hands firmware-over-the-air jobs to the device-management
// cloud. Job lifecycle is owned there; this side only keeps the handle.
package fota

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/cloudapi"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

// Client creates and polls FOTA jobs.
type Client interface {
	CreateJob(ctx context.Context, firmwareID string, deviceIDs []string) (domain.FotaJob, error)
	GetJob(ctx context.Context, jobID string) (domain.FotaJob, error)
}

type jobResponse struct {
	JobID       string `json:"jobId"`
	BundleID    string `json:"bundleId"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	CompletedAt string `json:"completedAt"`
}

func (r jobResponse) job() domain.FotaJob {
	return domain.FotaJob{
		JobID:       r.JobID,
		FirmwareID:  r.BundleID,
		Status:      domain.FotaStatus(r.Status),
		CreatedAt:   parseTime(r.CreatedAt),
		CompletedAt: parseTime(r.CompletedAt),
	}
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := domain.ParseTimestamp(s)
	if err != nil {
		return nil
	}
	return &t
}

// HTTPClient talks to the cloud's /fota-jobs resource.
type HTTPClient struct {
	api *cloudapi.Client
}

func NewHTTPClient(api *cloudapi.Client) *HTTPClient {
	return &HTTPClient{api: api}
}

// CreateJob starts a job and returns it with status QUEUED.
func (c *HTTPClient) CreateJob(ctx context.Context, firmwareID string, deviceIDs []string) (domain.FotaJob, error) {
	var resp jobResponse
	req := map[string]any{"bundleId": firmwareID, "deviceIds": deviceIDs}
	if err := c.api.Post(ctx, "/fota-jobs", req, &resp); err != nil {
		return domain.FotaJob{}, fmt.Errorf("create fota job: %w", err)
	}
	if resp.JobID == "" {
		return domain.FotaJob{}, fmt.Errorf("create fota job: response has no jobId")
	}
	job := resp.job()
	job.FirmwareID = firmwareID
	job.Status = domain.FotaQueued
	job.CompletedAt = nil
	return job, nil
}

func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (domain.FotaJob, error) {
	var resp jobResponse
	if err := c.api.Get(ctx, "/fota-jobs/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return domain.FotaJob{}, fmt.Errorf("get fota job %s: %w", jobID, err)
	}
	job := resp.job()
	if job.JobID == "" {
		job.JobID = jobID
	}
	return job, nil
}
