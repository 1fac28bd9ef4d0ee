// Package telemetry provides Prometheus metrics, distributed tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	RedemptionsReceived  prometheus.Counter
	RedemptionsDiscarded prometheus.Counter
	VIPGrants            prometheus.Counter
	VIPExtensions        prometheus.Counter
	VIPGrantFailures     prometheus.Counter
	VIPRemovals          prometheus.Counter
	VIPRemovalFailures   prometheus.Counter
	TokenRefreshes       prometheus.Counter
	TokenRefreshFailures prometheus.Counter
	WSReconnects         prometheus.Counter

	// Histograms (seconds)
	GrantDuration prometheus.Observer
	SweepDuration prometheus.Observer

	// Gauges
	ActiveSubscriptionsGauge prometheus.Gauge
	ActiveVIPSessionsGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RedemptionsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "vip_redemptions_received_total", Help: "Redemption notifications received over EventSub"})
		RedemptionsDiscarded = promauto.NewCounter(prometheus.CounterOpts{Name: "vip_redemptions_discarded_total", Help: "Redemptions discarded due to reward mismatch"})
		VIPGrants = promauto.NewCounter(prometheus.CounterOpts{Name: "vip_grants_total", Help: "VIP roles granted"})
		VIPExtensions = promauto.NewCounter(prometheus.CounterOpts{Name: "vip_extensions_total", Help: "Existing VIP sessions extended"})
		VIPGrantFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "vip_grant_failures_total", Help: "VIP grant attempts that failed"})
		VIPRemovals = promauto.NewCounter(prometheus.CounterOpts{Name: "vip_removals_total", Help: "Expired VIP roles removed"})
		VIPRemovalFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "vip_removal_failures_total", Help: "VIP removal attempts that failed"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "vip_token_refreshes_total", Help: "Successful OAuth token refreshes"})
		TokenRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "vip_token_refresh_failures_total", Help: "Failed OAuth token refreshes"})
		WSReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "vip_eventsub_reconnects_total", Help: "EventSub websocket reconnect attempts"})
		GrantDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vip_grant_duration_seconds", Help: "Redemption-to-grant processing duration seconds", Buckets: prometheus.DefBuckets})
		SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vip_expiry_sweep_duration_seconds", Help: "Expiry sweep cycle duration seconds", Buckets: prometheus.DefBuckets})
		ActiveSubscriptionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "vip_active_subscriptions", Help: "Channels with a live EventSub subscription"})
		ActiveVIPSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "vip_active_sessions", Help: "Currently active VIP sessions"})
	})
}

// SetActiveSubscriptions records the current live subscription count.
func SetActiveSubscriptions(n int) {
	if ActiveSubscriptionsGauge != nil {
		ActiveSubscriptionsGauge.Set(float64(n))
	}
}

// SetActiveVIPSessions records the current active session count.
func SetActiveVIPSessions(n int) {
	if ActiveVIPSessionsGauge != nil {
		ActiveVIPSessionsGauge.Set(float64(n))
	}
}

// Inc increments a counter if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
