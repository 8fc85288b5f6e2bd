package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	Sends          *prometheus.CounterVec
	GatewayLatency *prometheus.HistogramVec
	Reconciled     *prometheus.CounterVec
	Batches        prometheus.Counter
	BatchDelay     prometheus.Histogram
	CampaignRuns   *prometheus.CounterVec
	AudienceOver   prometheus.Counter
	LedgerRetries  prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "promobot_sends_total", Help: "Per-recipient send outcomes"},
			[]string{"result"},
		),
		GatewayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "promobot_gateway_latency_seconds", Help: "Gateway call latency", Buckets: prometheus.DefBuckets},
			[]string{"op", "result"},
		),
		Reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "promobot_reconcile_total", Help: "Status reconciliation outcomes"},
			[]string{"outcome"},
		),
		Batches: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "promobot_dispatch_batches_total", Help: "Dispatch batches processed"},
		),
		BatchDelay: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "promobot_dispatch_batch_delay_seconds", Help: "Inter-batch delays slept"},
		),
		CampaignRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "promobot_campaign_runs_total", Help: "Campaign dispatch runs"},
			[]string{"trigger", "result"},
		),
		AudienceOver: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "promobot_audience_over_limit_total", Help: "Dispatches whose audience exceeded max_recipients"},
		),
		LedgerRetries: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "promobot_ledger_persist_retries_total", Help: "Message persistence retries"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Sends, m.GatewayLatency, m.Reconciled, m.Batches, m.BatchDelay, m.CampaignRuns, m.AudienceOver, m.LedgerRetries)
	}
	return m
}

func (m *Metrics) Send(result string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveGateway(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayLatency.WithLabelValues(op, result).Observe(d.Seconds())
}

func (m *Metrics) Reconcile(outcome string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Batch() {
	if m == nil {
		return
	}
	m.Batches.Inc()
}

func (m *Metrics) Delay(d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDelay.Observe(d.Seconds())
}

func (m *Metrics) CampaignRun(trigger, result string) {
	if m == nil {
		return
	}
	m.CampaignRuns.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) OverLimit() {
	if m == nil {
		return
	}
	m.AudienceOver.Inc()
}

func (m *Metrics) PersistRetry() {
	if m == nil {
		return
	}
	m.LedgerRetries.Inc()
}
