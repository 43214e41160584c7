package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"bria-engine/internal/ledger"
)

const namespace = "bria"

// Metrics groups the engine collectors. Amounts are exported as float64 and
// are informational only; the ledger remains the source of truth.
type Metrics struct {
	Operations   *prometheus.CounterVec
	Credited     *prometheus.CounterVec
	Entries      *prometheus.CounterVec
	CascadeDepth prometheus.Histogram
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by name and result code.",
		}, []string{"op", "result"}),
		Credited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credited_amount_total",
			Help:      "Amount credited to liquid balances by entry kind.",
		}, []string{"kind"}),
		Entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Committed ledger entries by kind.",
		}, []string{"kind"}),
		CascadeDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "referral_cascade_depth",
			Help:      "Number of upline generations credited per claim.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Credited, m.Entries, m.CascadeDepth)
	}
	return m
}

// Observe counts one operation outcome.
func (m *Metrics) Observe(op, result string) {
	m.Operations.WithLabelValues(op, result).Inc()
}

// Committed records the entries of one committed unit of work.
func (m *Metrics) Committed(entries []ledger.Entry) {
	depth := 0
	claimed := false
	for _, e := range entries {
		m.Entries.WithLabelValues(string(e.Kind)).Inc()
		switch e.Kind {
		case ledger.KindClaim:
			claimed = true
			m.Credited.WithLabelValues(string(e.Kind)).Add(e.Amount.InexactFloat64())
		case ledger.KindReferralCredit:
			depth++
			m.Credited.WithLabelValues(string(e.Kind)).Add(e.Amount.InexactFloat64())
		case ledger.KindMachineBonus, ledger.KindUnstake:
			m.Credited.WithLabelValues(string(e.Kind)).Add(e.Amount.InexactFloat64())
		}
	}
	if claimed {
		m.CascadeDepth.Observe(float64(depth))
	}
}
