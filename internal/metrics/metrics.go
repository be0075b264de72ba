// Package metrics exposes Prometheus metrics for the call-control core.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of live call sessions.
type ActiveCallsProvider interface {
	Count() int
}

// PendingRequestsProvider exposes the number of outstanding backend requests.
type PendingRequestsProvider interface {
	PendingCount() int
}

// CallHistoryCounter returns call-history counts grouped by direction.
type CallHistoryCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
	CountMissed(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers endpoint metrics at
// scrape time.
type Collector struct {
	activeCalls ActiveCallsProvider
	pending     PendingRequestsProvider
	history     CallHistoryCounter
	startTime   time.Time

	activeCallsDesc *prometheus.Desc
	pendingDesc     *prometheus.Desc
	callsTotalDesc  *prometheus.Desc
	missedDesc      *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	pending PendingRequestsProvider,
	history CallHistoryCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		pending:     pending,
		history:     history,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"signvios_active_calls",
			"Number of currently active call sessions",
			nil, nil,
		),
		pendingDesc: prometheus.NewDesc(
			"signvios_pending_requests",
			"Number of outstanding backend requests awaiting a response",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"signvios_calls_total",
			"Total number of calls recorded in call history",
			[]string{"direction"}, nil,
		),
		missedDesc: prometheus.NewDesc(
			"signvios_missed_calls_total",
			"Total number of missed calls recorded",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"signvios_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.pendingDesc
	ch <- c.callsTotalDesc
	ch <- c.missedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.Count()),
		)
	}

	if c.pending != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pendingDesc, prometheus.GaugeValue,
			float64(c.pending.PendingCount()),
		)
	}

	if c.history != nil {
		counts, err := c.history.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by direction", "error", err)
		} else {
			for _, dir := range []string{"incoming", "outgoing"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}

		missed, err := c.history.CountMissed(ctx)
		if err != nil {
			slog.Error("metrics: failed to count missed calls", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.missedDesc, prometheus.CounterValue, float64(missed),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Metrics holds the push-style counters incremented by the core.
type Metrics struct {
	dials         *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// NewMetrics registers the core counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signvios_dials_total",
			Help: "Dial attempts by resolved method",
		}, []string{"method"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signvios_notifications_total",
			Help: "Outbound application notifications by kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.dials, m.notifications)
	return m
}

// DialAttempt counts a dial attempt. Nil-safe so the core can run without
// metrics in tests.
func (m *Metrics) DialAttempt(method string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(method).Inc()
}

// NotificationSent counts one outbound notification.
func (m *Metrics) NotificationSent(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}
