// Package server exposes the HTTP API: health, monitoring controls, VIP
// session management, audit history, and a live event stream for the
// dashboard. It includes permissive CORS for development and injects
// correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/vip-tender/config"
	"github.com/onnwee/vip-tender/events"
	"github.com/onnwee/vip-tender/telemetry"
)

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine and the
// event stream subscriptions.
func NewMux(ctx context.Context, database *sql.DB, cfg *config.Config, manager MonitorManager, bus *events.Bus) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	corsCfg := loadCORSConfig()

	handlers := NewHandlers(database, cfg, manager, bus)

	mux := http.NewServeMux()

	// Metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// OAuth sign-in
	mux.HandleFunc("/auth/twitch/start", handlers.HandleOAuthStart)
	mux.HandleFunc("/auth/twitch/callback", handlers.HandleOAuthCallback)

	// Health and readiness endpoints
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)

	// Monitoring lifecycle
	mux.HandleFunc("/monitoring/start", handlers.HandleMonitoringStart)
	mux.HandleFunc("/monitoring/stop", handlers.HandleMonitoringStop)
	mux.HandleFunc("/monitoring/status", handlers.HandleMonitoringStatus)
	mux.HandleFunc("/monitoring/settings", handlers.HandleChannelSettings)

	// VIP sessions and audit history
	mux.HandleFunc("/vips", handlers.HandleVIPList)
	mux.HandleFunc("/vips/grant", handlers.HandleVIPGrant)
	mux.HandleFunc("/vips/revoke", handlers.HandleVIPRevoke)
	mux.HandleFunc("/audit", handlers.HandleAuditList)

	// Live event stream (SSE)
	mux.HandleFunc("/events/stream", handlers.HandleEventStream)

	// Mutating endpoints get auth plus rate limiting; reads stay open.
	protected := map[string]bool{
		"/monitoring/start":    true,
		"/monitoring/stop":     true,
		"/monitoring/settings": true,
		"/vips/grant":          true,
		"/vips/revoke":         true,
	}
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if protected[r.URL.Path] {
			adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.url", r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		// Capture status code via custom ResponseWriter
		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrappedWriter.statusCode))
		if wrappedWriter.statusCode >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, database *sql.DB, cfg *config.Config, manager MonitorManager, bus *events.Bus, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, database, cfg, manager, bus),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // SSE connections write indefinitely
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}

// channelIDParam extracts and validates the channel_id query parameter.
func channelIDParam(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.URL.Query().Get("channel_id"))
	if id == "" {
		return "", fmt.Errorf("channel_id is required")
	}
	return id, nil
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
