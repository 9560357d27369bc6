package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	OrdersPlaced    Counter
	OrdersFailed    Counter
	Entries         Counter
	Exits           Counter
	EntriesFailed   Counter
	UnhedgedCloses  Counter
	EmergencyCloses Counter
	CooldownEngaged Counter
	FundingWarnings Counter
	EvaluationsBusy Counter
	LastGapUSD      Gauge
	NetFundingPerHr Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:    c,
		OrdersFailed:    c,
		Entries:         c,
		Exits:           c,
		EntriesFailed:   c,
		UnhedgedCloses:  c,
		EmergencyCloses: c,
		CooldownEngaged: c,
		FundingWarnings: c,
		EvaluationsBusy: c,
		LastGapUSD:      g,
		NetFundingPerHr: g,
	}
}
