// Package http serves the relay webhook and the read API.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/auth"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/fota"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/freshness"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/history"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/ingest"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/metrics"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/store"
)

const (
	maxWebhookBody = 10 << 20
	maxAPIBody     = 1 << 20
)

// Deps are the collaborators the server dispatches to. Firmware and Live
// are optional; without Firmware the FOTA endpoints answer 503, without
// Live there is no /ws route.
type Deps struct {
	Ingestor *ingest.Ingestor
	Store    store.Store
	History  *history.Service
	Resolver *freshness.Resolver
	Firmware *fota.Service
	Auth     *auth.Authenticator
	Live     http.Handler
	TeamID   string
	Logger   *slog.Logger
}

type Server struct {
	ingestor *ingest.Ingestor
	store    store.Store
	history  *history.Service
	resolver *freshness.Resolver
	firmware *fota.Service
	auth     *AuthMiddleware
	live     http.Handler
	teamID   string
	logger   *slog.Logger
	now      func() time.Time
}

func NewServer(d Deps) *Server {
	return &Server{
		ingestor: d.Ingestor,
		store:    d.Store,
		history:  d.History,
		resolver: d.Resolver,
		firmware: d.Firmware,
		auth:     NewAuthMiddleware(d.Auth),
		live:     d.Live,
		teamID:   d.TeamID,
		logger:   d.Logger,
		now:      time.Now,
	}
}

// Handler returns the routed, instrumented handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", metrics.HandleMetrics)

	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.auth.Wrap(h))
	}
	api("GET /devices", s.handleListDevices)
	api("GET /devices/{deviceId}/location", s.handleLocation)
	api("GET /devices/{deviceId}/temperature", s.handleTemperature)
	api("GET /devices/{deviceId}/history", s.handleHistory)
	api("GET /devices/{deviceId}/safezones", s.handleListZones)
	api("PUT /devices/{deviceId}/safezones", s.handlePutZone)
	api("DELETE /devices/{deviceId}/safezones/{zoneId}", s.handleDeleteZone)
	api("GET /devices/{deviceId}/firmware", s.handleFirmware)
	api("POST /devices/{deviceId}/firmware/update", s.handleFirmwareUpdate)
	api("GET /devices/{deviceId}/firmware/status", s.handleFirmwareStatus)
	api("POST /devices/{deviceId}/notification-token", s.handleNotificationToken)
	if s.live != nil {
		mux.Handle("GET /ws", s.auth.Wrap(s.live))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, domain.CodeRouteNotFound, "No handler for "+r.Method+" "+r.URL.Path)
	})

	return observe(s.logger, cors(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe runs srv until ctx is done, then shuts it down gracefully.
func ListenAndServe(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
