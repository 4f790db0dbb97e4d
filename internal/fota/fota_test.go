package fota

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/cloudapi"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestHTTPClient_CreateAndGet(t *testing.T) {
	var created map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/fota-jobs":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"jobId":"job-1","createdAt":"2025-02-03T10:00:00.000Z"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/fota-jobs/job-1":
			_, _ = w.Write([]byte(`{"jobId":"job-1","bundleId":"fw-2","status":"IN_PROGRESS","createdAt":"2025-02-03T10:00:00Z"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(cloudapi.New(srv.URL+"/v1", "secret", srv.Client()))

	job, err := c.CreateJob(context.Background(), "fw-2", []string{"nrf-1"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.JobID)
	assert.Equal(t, domain.FotaQueued, job.Status)
	assert.Equal(t, "fw-2", job.FirmwareID)
	require.NotNil(t, job.CreatedAt)
	assert.Equal(t, "fw-2", created["bundleId"])
	assert.Equal(t, []any{"nrf-1"}, created["deviceIds"])

	job, err = c.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.FotaInProgress, job.Status)
	assert.Nil(t, job.CompletedAt)
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bundle unknown", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(cloudapi.New(srv.URL, "k", srv.Client()))
	_, err := c.CreateJob(context.Background(), "nope", []string{"nrf-1"})

	var se *cloudapi.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "bundle unknown", se.Body)
}

type fakeClient struct {
	job      domain.FotaJob
	err      error
	lastPoll string
}

func (f *fakeClient) CreateJob(_ context.Context, firmwareID string, _ []string) (domain.FotaJob, error) {
	if f.err != nil {
		return domain.FotaJob{}, f.err
	}
	return domain.FotaJob{JobID: "job-9", FirmwareID: firmwareID, Status: domain.FotaQueued}, nil
}

func (f *fakeClient) GetJob(_ context.Context, jobID string) (domain.FotaJob, error) {
	f.lastPoll = jobID
	return f.job, f.err
}

func TestService_TriggerThenStatus(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.EnsureDevice(context.Background(), "nrf-1", nil))
	client := &fakeClient{}
	svc := NewService(s, client, discard)
	svc.now = func() time.Time { return time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC) }

	job, err := svc.Trigger(context.Background(), "nrf-1", "fw-3")
	require.NoError(t, err)
	assert.Equal(t, "job-9", job.JobID)
	require.NotNil(t, job.CreatedAt)

	st, err := s.GetState(context.Background(), "nrf-1")
	require.NoError(t, err)
	require.NotNil(t, st.LastFota)
	assert.Equal(t, domain.FotaQueued, st.LastFota.Status)

	client.job = domain.FotaJob{JobID: "job-9", Status: domain.FotaSucceeded}
	status, err := svc.Status(context.Background(), "nrf-1")
	require.NoError(t, err)
	assert.Equal(t, "job-9", client.lastPoll)
	assert.Equal(t, domain.FotaSucceeded, status.Status)
	assert.Equal(t, "fw-3", status.FirmwareID, "firmware id falls back to the recorded job")
	assert.Equal(t, job.CreatedAt, status.CreatedAt)
}

func TestService_Errors(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewService(s, &fakeClient{err: errors.New("boom")}, discard)

	_, err := svc.Trigger(context.Background(), "ghost", "fw")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.EnsureDevice(context.Background(), "nrf-1", nil))
	_, err = svc.Status(context.Background(), "nrf-1")
	assert.ErrorIs(t, err, ErrNoJob)

	_, err = svc.Trigger(context.Background(), "nrf-1", "fw")
	assert.ErrorIs(t, err, ErrUpstream)
}
