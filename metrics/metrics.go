// Package metrics exposes monitor activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives monitor events. Implementations must be safe to call
// from the monitor goroutine while metrics are being scraped.
type Recorder interface {
	IncCycleOutcome(outcome string)
	ObserveCycleDuration(d time.Duration)
	IncFetchFailure()
	IncNotifyAttempt(channel string, success bool)
	SetLastChange(t time.Time)
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

func (NoopRecorder) IncCycleOutcome(string) {}
func (NoopRecorder) ObserveCycleDuration(time.Duration) {}
func (NoopRecorder) IncFetchFailure() {}
func (NoopRecorder) IncNotifyAttempt(string, bool) {}
func (NoopRecorder) SetLastChange(time.Time) {}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	cycleOutcomes  *prom.CounterVec
	cycleDuration  prom.Histogram
	fetchFailures  prom.Counter
	notifyAttempts *prom.CounterVec
	lastChange     prom.Gauge
}

// NewPrometheusRecorder constructs the monitor metrics and registers them on
// reg. A nil reg uses a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.cycleOutcomes = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "pagewatch",
		Name:      "cycles_total",
		Help:      "Completed poll cycles by outcome",
	}, []string{"outcome"})
	pr.cycleDuration = prom.NewHistogram(prom.HistogramOpts{
		Namespace: "pagewatch",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a poll cycle, fetch retries and notification included",
		Buckets:   prom.DefBuckets,
	})
	pr.fetchFailures = prom.NewCounter(prom.CounterOpts{
		Namespace: "pagewatch",
		Name:      "fetch_failures_total",
		Help:      "Fetch rounds that ended without a page",
	})
	pr.notifyAttempts = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "pagewatch",
		Name:      "notification_attempts_total",
		Help:      "Notification delivery attempts by channel and result",
	}, []string{"channel", "result"})
	pr.lastChange = prom.NewGauge(prom.GaugeOpts{
		Namespace: "pagewatch",
		Name:      "last_change_timestamp_seconds",
		Help:      "Unix time of the last detected value change",
	})
	reg.MustRegister(pr.cycleOutcomes, pr.cycleDuration, pr.fetchFailures, pr.notifyAttempts, pr.lastChange)
	return pr
}

func (p *PrometheusRecorder) IncCycleOutcome(outcome string) {
	if p == nil || p.cycleOutcomes == nil {
		return
	}
	p.cycleOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveCycleDuration(d time.Duration) {
	if p == nil || p.cycleDuration == nil {
		return
	}
	p.cycleDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncFetchFailure() {
	if p == nil || p.fetchFailures == nil {
		return
	}
	p.fetchFailures.Inc()
}

func (p *PrometheusRecorder) IncNotifyAttempt(channel string, success bool) {
	if p == nil || p.notifyAttempts == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.notifyAttempts.WithLabelValues(channel, res).Inc()
}

func (p *PrometheusRecorder) SetLastChange(t time.Time) {
	if p == nil || p.lastChange == nil {
		return
	}
	p.lastChange.Set(float64(t.Unix()))
}

// HTTPHandler returns an http.Handler that serves the metrics in reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
