package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the store does with incoming data. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	ingested       *prometheus.CounterVec
	historyPages   *prometheus.CounterVec
	labelRollbacks prometheus.Counter
	reconnects     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_total",
			Help:      "Push events by kind and outcome.",
		}, []string{"kind", "result"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_ingested_total",
			Help:      "Messages merged by origin and whether they were new.",
		}, []string{"origin", "result"}),
		historyPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "history_pages_total",
			Help:      "History page fetches by outcome.",
		}, []string{"result"}),
		labelRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "label_rollbacks_total",
			Help:      "Label updates reverted after a failed remote call.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "subscription_reconnects_total",
			Help:      "Push stream reconnect attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.ingested, m.historyPages, m.labelRollbacks, m.reconnects)
	}
	return m
}

func (m *Metrics) event(kind, result string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.events.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ingest(origin Origin, isNew bool) {
	if m == nil {
		return
	}
	result := "merged"
	if isNew {
		result = "new"
	}
	m.ingested.WithLabelValues(origin.String(), result).Inc()
}

func (m *Metrics) historyPage(result string) {
	if m == nil {
		return
	}
	m.historyPages.WithLabelValues(result).Inc()
}

func (m *Metrics) labelRollback() {
	if m == nil {
		return
	}
	m.labelRollbacks.Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
