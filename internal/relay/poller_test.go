package relay

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
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/ingest"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/normalizer"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	now     = time.Date(2025, 2, 3, 12, 0, 0, 0, time.UTC)
)

type memCursor struct {
	at   time.Time
	sets int
}

func (c *memCursor) GetCursor(context.Context) (time.Time, error) { return c.at, nil }
func (c *memCursor) SetCursor(_ context.Context, t time.Time) error {
	c.at = t
	c.sets++
	return nil
}

type pagedSource struct {
	pages  map[string]Page
	failOn string
	since  []time.Time
}

func (s *pagedSource) Fetch(_ context.Context, since time.Time, token string) (Page, error) {
	s.since = append(s.since, since)
	if token == s.failOn && s.failOn != "" {
		return Page{}, errors.New("relay unavailable")
	}
	return s.pages[token], nil
}

type recordingHandler struct {
	batches [][]normalizer.RelayMessage
	err     error
}

func (h *recordingHandler) HandleMessages(_ context.Context, msgs []normalizer.RelayMessage) (ingest.Summary, error) {
	h.batches = append(h.batches, msgs)
	return ingest.Summary{MessagesProcessed: len(msgs)}, h.err
}

func msg(receivedAt string) normalizer.RelayMessage {
	return normalizer.RelayMessage{
		DeviceID:   "nrf-1",
		ReceivedAt: receivedAt,
		Message:    json.RawMessage(`{"appId":"TEMP","ts":1738578600123,"data":"21.5"}`),
	}
}

func newPoller(src Source, cur CursorStore, h MessageHandler) *Poller {
	p := NewPoller(src, cur, h, discard)
	p.now = func() time.Time { return now }
	return p
}

func TestPollOnce_AdvancesAfterAllPages(t *testing.T) {
	src := &pagedSource{pages: map[string]Page{
		"":   {Items: []normalizer.RelayMessage{msg("2025-02-03T11:10:00.000Z")}, NextToken: "p2"},
		"p2": {Items: []normalizer.RelayMessage{msg("2025-02-03T11:30:00.000Z"), msg("2025-02-03T11:20:00.000Z")}},
	}}
	cur := &memCursor{}
	h := &recordingHandler{}

	sum, err := newPoller(src, cur, h).PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.MessagesProcessed)
	assert.Len(t, h.batches, 2)
	assert.Equal(t, now.Add(-DefaultLookback), src.since[0], "no cursor starts one lookback ago")
	assert.Equal(t, time.Date(2025, 2, 3, 11, 30, 0, 0, time.UTC), cur.at)
}

func TestPollOnce_FailureKeepsCursor(t *testing.T) {
	start := time.Date(2025, 2, 3, 11, 0, 0, 0, time.UTC)
	src := &pagedSource{
		pages:  map[string]Page{"": {Items: []normalizer.RelayMessage{msg("2025-02-03T11:10:00Z")}, NextToken: "p2"}},
		failOn: "p2",
	}
	cur := &memCursor{at: start}

	_, err := newPoller(src, cur, &recordingHandler{}).PollOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, start, cur.at)
	assert.Zero(t, cur.sets)
}

func TestPollOnce_HandlerFailureKeepsCursor(t *testing.T) {
	src := &pagedSource{pages: map[string]Page{"": {Items: []normalizer.RelayMessage{msg("2025-02-03T11:10:00Z")}}}}
	cur := &memCursor{}

	_, err := newPoller(src, cur, &recordingHandler{err: ingest.ErrDeadline}).PollOnce(context.Background())
	require.ErrorIs(t, err, ingest.ErrDeadline)
	assert.Zero(t, cur.sets)
}

func TestPollOnce_EmptyLeavesCursor(t *testing.T) {
	cur := &memCursor{}
	_, err := newPoller(&pagedSource{pages: map[string]Page{}}, cur, &recordingHandler{}).PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cur.sets)
}

func TestHTTPSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer relay-key", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "2025-02-03T11:00:00.000Z", q.Get("inclusiveStart"))
		assert.Equal(t, "100", q.Get("pageLimit"))
		assert.Equal(t, "tok", q.Get("pageNextToken"))
		_, _ = w.Write([]byte(`{"items":[{"deviceId":"nrf-1","receivedAt":"2025-02-03T11:01:00Z","message":{"appId":"TEMP","data":"20"}}],"total":1}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(cloudapi.New(srv.URL, "relay-key", srv.Client()))
	page, err := src.Fetch(context.Background(), time.Date(2025, 2, 3, 11, 0, 0, 0, time.UTC), "tok")
	require.NoError(t, err)

	require.Len(t, page.Items, 1)
	assert.Equal(t, "nrf-1", page.Items[0].DeviceID)
	assert.Empty(t, page.NextToken)
	assert.JSONEq(t, `{"appId":"TEMP","data":"20"}`, string(page.Items[0].Message))
}
