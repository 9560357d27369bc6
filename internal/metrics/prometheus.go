package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "spread_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersPlaced := newCounter("orders_placed_total", "Total number of leg orders placed.")
	ordersFailed := newCounter("orders_failed_total", "Total number of leg order failures.")
	entries := newCounter("entries_total", "Total number of hedged entries.")
	exits := newCounter("exits_total", "Total number of hedged exits.")
	entriesFailed := newCounter("entries_failed_total", "Total number of failed entry attempts.")
	unhedgedCloses := newCounter("unhedged_closes_total", "Total number of corrective closes of a lone filled leg.")
	emergencyCloses := newCounter("emergency_closes_total", "Total number of emergency position closes.")
	cooldownEngaged := newCounter("cooldown_engaged_total", "Total number of entry cooldown engagements.")
	fundingWarnings := newCounter("funding_warnings_total", "Total number of unfavorable funding signals.")
	evaluationsBusy := newCounter("evaluations_dropped_total", "Total number of market updates dropped while an evaluation was in flight.")
	lastGap := newGauge("last_gap_usd", "Last observed cross-venue price gap in USD.")
	netFunding := newGauge("net_funding_per_hour", "Last computed net funding rate differential per hour.")

	registry.MustRegister(ordersPlaced, ordersFailed, entries, exits, entriesFailed,
		unhedgedCloses, emergencyCloses, cooldownEngaged, fundingWarnings, evaluationsBusy,
		lastGap, netFunding)

	m := &Metrics{
		OrdersPlaced:    promCounter{ordersPlaced},
		OrdersFailed:    promCounter{ordersFailed},
		Entries:         promCounter{entries},
		Exits:           promCounter{exits},
		EntriesFailed:   promCounter{entriesFailed},
		UnhedgedCloses:  promCounter{unhedgedCloses},
		EmergencyCloses: promCounter{emergencyCloses},
		CooldownEngaged: promCounter{cooldownEngaged},
		FundingWarnings: promCounter{fundingWarnings},
		EvaluationsBusy: promCounter{evaluationsBusy},
		LastGapUSD:      promGauge{lastGap},
		NetFundingPerHr: promGauge{netFunding},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
