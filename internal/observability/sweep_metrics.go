package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SweepCollector exposes reconciler-specific Prometheus metrics.
type SweepCollector struct {
	gatherer prometheus.Gatherer

	ReconcileDuration prometheus.Histogram
	StateTransitions  *prometheus.CounterVec
	WindowsExpired    prometheus.Counter
	PendingRequests   prometheus.Gauge
}

// NewSweepCollector registers sweep metrics against the provided registerer.
func NewSweepCollector(reg prometheus.Registerer) (*SweepCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	reconcileHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweep_reconcile_duration_seconds",
		Help:    "Duration of block reconciliation sweeps.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})
	reconcileHistogram, err := registerHistogram(reg, reconcileHistogram, "sweep_reconcile_duration_seconds")
	if err != nil {
		return nil, err
	}

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_state_transitions_total",
		Help: "Cumulative request state transitions applied by the sweeps, labeled by resulting state.",
	}, []string{"state"})
	transitions, err = registerCounterVec(reg, transitions, "sweep_state_transitions_total")
	if err != nil {
		return nil, err
	}

	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_windows_expired_total",
		Help: "Cumulative number of requests expired because every observing window passed.",
	})
	expired, err = registerCounter(reg, expired, "sweep_windows_expired_total")
	if err != nil {
		return nil, err
	}

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sweep_pending_requests",
		Help: "Number of requests in the PENDING state at the end of the last sweep.",
	})
	pending, err = registerGauge(reg, pending, "sweep_pending_requests")
	if err != nil {
		return nil, err
	}

	return &SweepCollector{
		gatherer:          gatherer,
		ReconcileDuration: reconcileHistogram,
		StateTransitions:  transitions,
		WindowsExpired:    expired,
		PendingRequests:   pending,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SweepCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SweepCollector) Handler() http.Handler {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveReconcile records the duration of one reconciliation sweep.
func (c *SweepCollector) ObserveReconcile(d time.Duration) {
	if c == nil || c.ReconcileDuration == nil {
		return
	}
	c.ReconcileDuration.Observe(d.Seconds())
}

// IncTransition counts a request reaching state.
func (c *SweepCollector) IncTransition(state string) {
	if c == nil || c.StateTransitions == nil {
		return
	}
	c.StateTransitions.WithLabelValues(state).Inc()
}

// IncExpired increments the expired-window counter.
func (c *SweepCollector) IncExpired() {
	if c == nil || c.WindowsExpired == nil {
		return
	}
	c.WindowsExpired.Inc()
}

// SetPendingRequests updates the pending-depth gauge.
func (c *SweepCollector) SetPendingRequests(count int) {
	if c == nil || c.PendingRequests == nil {
		return
	}
	c.PendingRequests.Set(float64(count))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
