// Package relay pulls device messages from the relay's message API. It is
// the fallback path when webhook delivery is unavailable.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/cloudapi"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/ingest"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/normalizer"
)

const (
	PageLimit = 100

	// DefaultLookback is where polling starts when no cursor is stored.
	DefaultLookback = time.Hour
)

type Page struct {
	Items     []normalizer.RelayMessage `json:"items"`
	NextToken string                    `json:"pageNextToken"`
}

// Source returns one page of messages received at or after since.
type Source interface {
	Fetch(ctx context.Context, since time.Time, pageToken string) (Page, error)
}

// CursorStore persists the poll position between runs and instances.
// *store.RedisStore implements it.
type CursorStore interface {
	GetCursor(ctx context.Context) (time.Time, error)
	SetCursor(ctx context.Context, t time.Time) error
}

type MessageHandler interface {
	HandleMessages(ctx context.Context, msgs []normalizer.RelayMessage) (ingest.Summary, error)
}

type HTTPSource struct {
	api *cloudapi.Client
}

func NewHTTPSource(api *cloudapi.Client) *HTTPSource {
	return &HTTPSource{api: api}
}

func (s *HTTPSource) Fetch(ctx context.Context, since time.Time, pageToken string) (Page, error) {
	q := url.Values{}
	q.Set("inclusiveStart", domain.FormatTimestamp(since))
	q.Set("pageLimit", strconv.Itoa(PageLimit))
	if pageToken != "" {
		q.Set("pageNextToken", pageToken)
	}
	var page Page
	if err := s.api.Get(ctx, "/messages", q, &page); err != nil {
		return Page{}, fmt.Errorf("fetch relay messages: %w", err)
	}
	return page, nil
}

type Poller struct {
	source   Source
	cursor   CursorStore
	handler  MessageHandler
	logger   *slog.Logger
	lookback time.Duration
	now      func() time.Time
}

func NewPoller(source Source, cursor CursorStore, handler MessageHandler, logger *slog.Logger) *Poller {
	return &Poller{
		source:   source,
		cursor:   cursor,
		handler:  handler,
		logger:   logger,
		lookback: DefaultLookback,
		now:      time.Now,
	}
}

// PollOnce applies every message since the stored cursor. The cursor moves
// to the newest receipt time seen only after all pages were applied; on any
// failure it stays put and the next poll refetches, which dedup absorbs.
func (p *Poller) PollOnce(ctx context.Context) (ingest.Summary, error) {
	var total ingest.Summary

	since, err := p.cursor.GetCursor(ctx)
	if err != nil {
		return total, err
	}
	if since.IsZero() {
		since = p.now().UTC().Add(-p.lookback)
	}

	next := since
	token := ""
	for {
		page, err := p.source.Fetch(ctx, since, token)
		if err != nil {
			return total, err
		}

		sum, err := p.handler.HandleMessages(ctx, page.Items)
		total = addSummary(total, sum)
		if err != nil {
			return total, fmt.Errorf("apply relay page: %w", err)
		}

		for _, m := range page.Items {
			if t, err := domain.ParseTimestamp(m.ReceivedAt); err == nil && t.After(next) {
				next = t
			}
		}

		token = page.NextToken
		if token == "" {
			break
		}
	}

	if next.After(since) {
		if err := p.cursor.SetCursor(ctx, next); err != nil {
			return total, fmt.Errorf("advance poll cursor: %w", err)
		}
	}
	return total, nil
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sum, err := p.PollOnce(ctx)
		if err != nil {
			p.logger.Error("relay poll failed", "error", err)
		} else if sum.MessagesProcessed > 0 || sum.Rejected > 0 {
			p.logger.Info("relay poll applied",
				"processed", sum.MessagesProcessed, "duplicates", sum.Duplicates,
				"rejected", sum.Rejected, "devices", sum.DevicesUpdated)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func addSummary(a, b ingest.Summary) ingest.Summary {
	a.MessagesProcessed += b.MessagesProcessed
	a.Duplicates += b.Duplicates
	a.Rejected += b.Rejected
	a.Skipped += b.Skipped
	a.DevicesUpdated += b.DevicesUpdated
	a.NotStarted += b.NotStarted
	a.Failed += b.Failed
	return a
}
