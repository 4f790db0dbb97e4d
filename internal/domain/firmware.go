package domain

import "time"

// FotaStatus is passed through from the device-management cloud.
type FotaStatus string

const (
	FotaQueued     FotaStatus = "QUEUED"
	FotaInProgress FotaStatus = "IN_PROGRESS"
	FotaSucceeded  FotaStatus = "SUCCEEDED"
	FotaFailed     FotaStatus = "FAILED"
	FotaTimedOut   FotaStatus = "TIMED_OUT"
)

type FotaJob struct {
	JobID       string     `json:"jobId"`
	FirmwareID  string     `json:"firmwareId"`
	Status      FotaStatus `json:"status"`
	CreatedAt   *time.Time `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt"`
}
