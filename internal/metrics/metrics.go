package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/renkaru/servisr/internal/service"
)

// Package-level Prometheus collectors, registered via Register. Helpers
// below no-op until registration succeeds so library embedders who never
// call Register pay nothing.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servisr",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts (readiness confirmed).",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servisr",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service stops, graceful or killed.",
		}, []string{"service"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servisr",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of restart sequences entered.",
		}, []string{"service"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servisr",
			Subsystem: "service",
			Name:      "health_check_failures_total",
			Help:      "Number of failed health probes.",
		}, []string{"service"},
	)
	readinessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servisr",
			Subsystem: "service",
			Name:      "readiness_duration_seconds",
			Help:      "Time from spawn to confirmed readiness.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"service"},
	)
	serviceStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "servisr",
			Subsystem: "service",
			Name:      "state",
			Help:      "Current lifecycle state per service (1 = active state).",
		}, []string{"service", "state"},
	)
	portsClaimed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "servisr",
			Subsystem: "registry",
			Name:      "ports_claimed",
			Help:      "Ports this supervisor currently claims in the shared registry.",
		},
	)
	fallbackAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servisr",
			Subsystem: "fallback",
			Name:      "attempts_total",
			Help:      "Fallback attempts by provider and outcome.",
		}, []string{"provider", "outcome"},
	)
	providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servisr",
			Subsystem: "fallback",
			Name:      "provider_request_duration_seconds",
			Help:      "Execution duration of provider requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"},
	)
	providerAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "servisr",
			Subsystem: "fallback",
			Name:      "provider_available",
			Help:      "Provider availability per the engine status registry (1 = available).",
		}, []string{"provider"},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// collectors already registered elsewhere are tolerated.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceRestarts, healthFailures,
		readinessDuration, serviceStates, portsClaimed,
		fallbackAttempts, providerDuration, providerAvailable,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer; the caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

func IncServiceStart(key string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(key).Inc()
	}
}

func IncServiceStop(key string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(key).Inc()
	}
}

func IncServiceRestart(key string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(key).Inc()
	}
}

func IncHealthFailure(key string) {
	if regOK.Load() {
		healthFailures.WithLabelValues(key).Inc()
	}
}

func ObserveReadiness(key string, seconds float64) {
	if regOK.Load() {
		readinessDuration.WithLabelValues(key).Observe(seconds)
	}
}

// SetServiceState flips the state gauge family so exactly one state is 1.
func SetServiceState(key string, st service.State) {
	if !regOK.Load() {
		return
	}
	all := []service.State{
		service.StateStopped, service.StateStarting, service.StateRunning,
		service.StateUnhealthy, service.StateFailed,
	}
	for _, s := range all {
		v := 0.0
		if s == st {
			v = 1
		}
		serviceStates.WithLabelValues(key, s.String()).Set(v)
	}
}

func SetPortsClaimed(n int) {
	if regOK.Load() {
		portsClaimed.Set(float64(n))
	}
}

func IncFallbackAttempt(provider, outcome string) {
	if regOK.Load() {
		fallbackAttempts.WithLabelValues(provider, outcome).Inc()
	}
}

func ObserveProviderDuration(provider string, seconds float64) {
	if regOK.Load() {
		providerDuration.WithLabelValues(provider).Observe(seconds)
	}
}

func SetProviderAvailable(provider string, available bool) {
	if regOK.Load() {
		v := 0.0
		if available {
			v = 1
		}
		providerAvailable.WithLabelValues(provider).Set(v)
	}
}
