package http

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/auth"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

const tracerName = "github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/transport/http"

type AuthMiddleware struct {
	auth *auth.Authenticator
}

func NewAuthMiddleware(a *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: a}
}

// Wrap requires a valid X-API-Key header. Browsers cannot set headers on a
// WebSocket handshake, so the apiKey query parameter is accepted as well.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if m.auth == nil || !m.auth.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("apiKey")
		}
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "missing X-API-Key header")
			return
		}

		if !m.auth.Validate(r.Context(), apiKey) {
			writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type,x-api-key")
		h.Set("Access-Control-Allow-Methods", "GET,PUT,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// observe traces and logs each request and turns a handler panic into a
// 500 answer.
func observe(logger *slog.Logger, next http.Handler) http.Handler {
	tracer := otel.Tracer(tracerName)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, "http "+r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		req := r.WithContext(ctx)

		defer func() {
			if p := recover(); p != nil {
				span.SetStatus(codes.Error, "panic")
				logger.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", fmt.Sprint(p))
				if rec.status == 0 {
					writeError(rec, http.StatusInternalServerError, domain.CodeInternal, "An internal error occurred")
				}
			}
			span.SetAttributes(
				attribute.String("http.route", req.Pattern),
				attribute.Int("http.status_code", rec.status),
			)
			if rec.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
			logger.Debug("request",
				"method", r.Method, "path", r.URL.Path, "route", req.Pattern,
				"status", rec.status, "duration", time.Since(start))
		}()

		next.ServeHTTP(rec, req)
	})
}
