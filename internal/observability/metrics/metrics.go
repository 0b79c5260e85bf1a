package metrics

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes billing engine instruments. A nil *Metrics is a valid no-op.
type Metrics struct {
	billsGenerated   *prometheus.CounterVec
	detailsCreated   prometheus.Counter
	generationItems  *prometheus.CounterVec
	payments         *prometheus.CounterVec
	statusTransition *prometheus.CounterVec
	checkRuns        prometheus.Counter
	issuesFound      *prometheus.GaugeVec
	repairOutcomes   *prometheus.CounterVec
	meterRemovals    *prometheus.CounterVec
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		billsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentway_bills_generated_total",
			Help: "Bills created or appended to by bill generation.",
		}, []string{"mode", "action"}),
		detailsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rentway_bill_details_created_total",
			Help: "Bill detail rows persisted.",
		}),
		generationItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentway_generation_items_total",
			Help: "Per-reading outcomes of bill generation.",
		}, []string{"outcome"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentway_payments_recorded_total",
			Help: "Payments recorded against bills.",
		}, []string{"method"}),
		statusTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentway_bill_status_transitions_total",
			Help: "Bill status transitions.",
		}, []string{"from", "to"}),
		checkRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rentway_consistency_checks_total",
			Help: "Consistency check runs.",
		}),
		issuesFound: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rentway_consistency_issues",
			Help: "Issues found by the last consistency check.",
		}, []string{"type", "severity"}),
		repairOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentway_repair_outcomes_total",
			Help: "Repair outcomes per issue type.",
		}, []string{"type", "outcome"}),
		meterRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentway_meter_removals_total",
			Help: "Meter removals by action taken.",
		}, []string{"action"}),
	}

	collectors := []prometheus.Collector{
		m.billsGenerated, m.detailsCreated, m.generationItems, m.payments,
		m.statusTransition, m.checkRuns, m.issuesFound, m.repairOutcomes, m.meterRemovals,
	}
	if reg != nil {
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				var already prometheus.AlreadyRegisteredError
				if errors.As(err, &already) {
					continue
				}
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) RecordBill(mode, action string) {
	if m == nil {
		return
	}
	m.billsGenerated.WithLabelValues(label(mode), label(action)).Inc()
}

func (m *Metrics) RecordDetails(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.detailsCreated.Add(float64(n))
}

func (m *Metrics) RecordGenerationItem(outcome string) {
	if m == nil {
		return
	}
	m.generationItems.WithLabelValues(label(outcome)).Inc()
}

func (m *Metrics) RecordPayment(method string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(label(method)).Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.statusTransition.WithLabelValues(label(from), label(to)).Inc()
}

// RecordCheck replaces the issue gauges with the counts of the latest run.
func (m *Metrics) RecordCheck(counts map[[2]string]int) {
	if m == nil {
		return
	}
	m.checkRuns.Inc()
	m.issuesFound.Reset()
	for key, n := range counts {
		m.issuesFound.WithLabelValues(label(key[0]), label(key[1])).Set(float64(n))
	}
}

func (m *Metrics) RecordRepair(issueType, outcome string) {
	if m == nil {
		return
	}
	m.repairOutcomes.WithLabelValues(label(issueType), label(outcome)).Inc()
}

func (m *Metrics) RecordMeterRemoval(action string) {
	if m == nil {
		return
	}
	m.meterRemovals.WithLabelValues(label(action)).Inc()
}

func label(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
