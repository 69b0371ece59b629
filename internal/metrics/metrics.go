package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "gate"

	OutcomeAgreed      = "agreed"
	OutcomeNoConsensus = "no_consensus"

	JobStarted    = "started"
	JobSuperseded = "superseded"
	JobCancelled  = "cancelled"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
)

var (
	// AttemptBuckets covers single detector/reader calls from 10ms to 30s.
	AttemptBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30}

	consensusRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "rounds_total",
			Help:      "Consensus rounds broken out by voter and outcome.",
		},
		[]string{"voter", "outcome"},
	)

	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of single inference attempts by voter and validity.",
			Buckets:   AttemptBuckets,
		},
		[]string{"voter", "valid"},
	)

	extractionResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "results_total",
			Help:      "Plate extraction runs by terminal stage.",
		},
		[]string{"stage"},
	)

	jobEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "events_total",
			Help:      "Background job lifecycle events by class.",
		},
		[]string{"class", "event"},
	)

	activeJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Registered background jobs by class.",
		},
		[]string{"class"},
	)

	gateResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "results_total",
			Help:      "Terminal gate runs by mode and success.",
		},
		[]string{"mode", "success"},
	)
)

var registerMetrics sync.Once

// Register adds every collector to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(consensusRounds)
		reg.MustRegister(attemptDuration)
		reg.MustRegister(extractionResults)
		reg.MustRegister(jobEvents)
		reg.MustRegister(activeJobs)
		reg.MustRegister(gateResults)
	})
}

func RecordConsensus(voter, outcome string) {
	consensusRounds.WithLabelValues(voter, outcome).Inc()
}

func ObserveAttempt(voter string, d time.Duration, valid bool) {
	attemptDuration.WithLabelValues(voter, boolLabel(valid)).Observe(d.Seconds())
}

func RecordExtraction(stage string) {
	extractionResults.WithLabelValues(stage).Inc()
}

func RecordJob(class, event string) {
	jobEvents.WithLabelValues(class, event).Inc()
}

func SetActiveJobs(class string, n int) {
	activeJobs.WithLabelValues(class).Set(float64(n))
}

func RecordGateResult(mode string, success bool) {
	gateResults.WithLabelValues(mode, boolLabel(success)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
