package collab

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 协作引擎指标，nil 时所有方法为空操作
type Metrics struct {
	UpdatesApplied   prometheus.Counter
	UpdatesRejected  *prometheus.CounterVec
	DocumentsCreated prometheus.Counter
	DocumentsRemoved prometheus.Counter
	ActiveDocuments  prometheus.Gauge
	SubmitDuration   prometheus.Histogram
}

// NewMetrics 注册到 reg；测试里传 prometheus.NewRegistry() 避免重复注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UpdatesApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "edin_updates_applied_total",
			Help: "Total number of document updates applied",
		}),
		UpdatesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edin_updates_rejected_total",
			Help: "Total number of document updates rejected, by reason",
		}, []string{"reason"}),
		DocumentsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "edin_documents_created_total",
			Help: "Total number of documents created",
		}),
		DocumentsRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "edin_documents_removed_total",
			Help: "Total number of documents removed",
		}),
		ActiveDocuments: f.NewGauge(prometheus.GaugeOpts{
			Name: "edin_active_documents",
			Help: "Number of documents loaded in memory",
		}),
		SubmitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "edin_submit_duration_seconds",
			Help:    "Time spent applying a submitted update",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
}

func (m *Metrics) applied() {
	if m != nil {
		m.UpdatesApplied.Inc()
	}
}

func (m *Metrics) rejected(reason string) {
	if m != nil {
		m.UpdatesRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) documentCreated() {
	if m != nil {
		m.DocumentsCreated.Inc()
	}
}

func (m *Metrics) documentRemoved() {
	if m != nil {
		m.DocumentsRemoved.Inc()
	}
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.ActiveDocuments.Set(float64(n))
	}
}

func (m *Metrics) observeSubmit(start time.Time) {
	if m != nil {
		m.SubmitDuration.Observe(time.Since(start).Seconds())
	}
}
