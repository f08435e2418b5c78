package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records turn outcomes. A nil *Metrics records nothing.
type Metrics struct {
	turns         *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	completions   *prometheus.CounterVec
	completionLat *prometheus.HistogramVec
	handOffs      prometheus.Counter
	notifications *prometheus.CounterVec
	answers       prometheus.Counter
}

// NewMetrics creates and registers the chat metrics on registerer.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadchat_turns_total",
			Help: "Chat turns by conversation state and outcome.",
		}, []string{"state", "outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadchat_turn_duration_seconds",
			Help:    "Chat turn latency by conversation state.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"state"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadchat_completions_total",
			Help: "Completion requests by stage and result.",
		}, []string{"stage", "result"}),
		completionLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadchat_completion_duration_seconds",
			Help:    "Completion provider latency by stage.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 20, 30},
		}, []string{"stage"}),
		handOffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadchat_handoffs_total",
			Help: "Conversations handed off to a human.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadchat_owner_notifications_total",
			Help: "Owner hand-off notifications by result.",
		}, []string{"result"}),
		answers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadchat_intake_answers_total",
			Help: "Intake answers recorded.",
		}),
	}

	registerer.MustRegister(
		m.turns,
		m.turnDuration,
		m.completions,
		m.completionLat,
		m.handOffs,
		m.notifications,
		m.answers,
	)
	return m
}

func (m *Metrics) observeTurn(state State, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(string(state), outcome).Inc()
	m.turnDuration.WithLabelValues(string(state)).Observe(d.Seconds())
}

func (m *Metrics) observeCompletion(stage Stage, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.completions.WithLabelValues(stage.String(), result).Inc()
	m.completionLat.WithLabelValues(stage.String()).Observe(d.Seconds())
}

func (m *Metrics) handOff() {
	if m == nil {
		return
	}
	m.handOffs.Inc()
}

func (m *Metrics) notification(err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) answerRecorded() {
	if m == nil {
		return
	}
	m.answers.Inc()
}
