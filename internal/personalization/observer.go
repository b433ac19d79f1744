package personalization

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/serenity/serenity/internal/profile"
	"github.com/serenity/serenity/internal/storage"
)

// Observer captures telemetry for engine operations
type Observer interface {
	RecordSave(outcome storage.SaveOutcome, duration time.Duration)
	RecordSessionUpdate(applied bool)
	RecordContext(consented bool)
	RecordDeletion()
	SetCachedProfiles(n int)
}

type nopObserver struct{}

func (nopObserver) RecordSave(storage.SaveOutcome, time.Duration) {}
func (nopObserver) RecordSessionUpdate(bool)                      {}
func (nopObserver) RecordContext(bool)                            {}
func (nopObserver) RecordDeletion()                               {}
func (nopObserver) SetCachedProfiles(int)                         {}

// PrometheusObserver exports engine metrics to Prometheus.
type PrometheusObserver struct {
	saves          *prometheus.CounterVec
	saveDuration   prometheus.Histogram
	sessionUpdates *prometheus.CounterVec
	contexts       *prometheus.CounterVec
	deletions      prometheus.Counter
	cached         prometheus.Gauge
}

// NewPrometheusObserver registers the engine metrics with reg
// (the default registerer when nil).
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "serenity"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "personalization",
			Name:      "profile_saves_total",
			Help:      "Profile saves by outcome.",
		}, []string{"outcome"}),
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "personalization",
			Name:      "profile_save_duration_seconds",
			Help:      "Latency of profile saves that reached storage.",
			Buckets:   prometheus.DefBuckets,
		}),
		sessionUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "personalization",
			Name:      "session_updates_total",
			Help:      "Session interactions ingested, by whether consent allowed them.",
		}, []string{"applied"}),
		contexts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "personalization",
			Name:      "contexts_generated_total",
			Help:      "Personalization contexts generated, by consent.",
		}, []string{"consent"}),
		deletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "personalization",
			Name:      "profile_deletions_total",
			Help:      "Profiles deleted at session end or on request.",
		}),
		cached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "personalization",
			Name:      "cached_profiles",
			Help:      "Profiles currently held in memory.",
		}),
	}

	if err := register(reg, &o.saves); err != nil {
		return nil, err
	}
	if err := register(reg, &o.saveDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &o.sessionUpdates); err != nil {
		return nil, err
	}
	if err := register(reg, &o.contexts); err != nil {
		return nil, err
	}
	if err := register(reg, &o.deletions); err != nil {
		return nil, err
	}
	if err := register(reg, &o.cached); err != nil {
		return nil, err
	}
	return o, nil
}

// register adopts an already registered collector of the same type, so
// several engines can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(C); ok {
			*c = existing
			return nil
		}
	}
	return fmt.Errorf("register personalization metric: %w", err)
}

func (o *PrometheusObserver) RecordSave(outcome storage.SaveOutcome, duration time.Duration) {
	if o == nil {
		return
	}
	o.saves.WithLabelValues(outcome.String()).Inc()
	if outcome == storage.SavePersisted {
		o.saveDuration.Observe(duration.Seconds())
	}
}

func (o *PrometheusObserver) RecordSessionUpdate(applied bool) {
	if o == nil {
		return
	}
	o.sessionUpdates.WithLabelValues(fmt.Sprint(applied)).Inc()
}

func (o *PrometheusObserver) RecordContext(consented bool) {
	if o == nil {
		return
	}
	o.contexts.WithLabelValues(fmt.Sprint(consented)).Inc()
}

func (o *PrometheusObserver) RecordDeletion() {
	if o == nil {
		return
	}
	o.deletions.Inc()
}

func (o *PrometheusObserver) SetCachedProfiles(n int) {
	if o == nil {
		return
	}
	o.cached.Set(float64(n))
}

var _ Observer = (*PrometheusObserver)(nil)

// Deletion reasons passed to Auditor.ProfileDeleted
const (
	DeletedNoConsent        = "no_consent"
	DeletedSessionRetention = "session_retention"
	DeletedOnRequest        = "on_request"
)

// Auditor records privacy-relevant changes. Calls are made with the
// user's lock held, so implementations must not call back into the engine.
type Auditor interface {
	PermissionsChanged(ctx context.Context, secureID string, before, after profile.Permissions)
	ProfileDeleted(ctx context.Context, secureID, reason string)
}

type nopAuditor struct{}

func (nopAuditor) PermissionsChanged(context.Context, string, profile.Permissions, profile.Permissions) {
}
func (nopAuditor) ProfileDeleted(context.Context, string, string) {}
