package observe

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"git.sr.ht/~sircmpwn/dopoll"
)

// Metrics counts engine activity. Create it with NewMetrics and add
// Metrics.Hooks to the engine's hooks.
type Metrics struct {
	reg prometheus.Registerer

	cycles   *prometheus.CounterVec
	tasks    *prometheus.CounterVec
	messages prometheus.Counter
	errors   *prometheus.CounterVec
}

// Creates the engine metrics and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		reg: reg,
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dopoll_cycles_total",
				Help: "Total number of poll cycles by outcome.",
			},
			[]string{"outcome"},
		),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dopoll_tasks_total",
				Help: "Total number of tasks started and completed.",
			},
			[]string{"event"},
		),
		messages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dopoll_messages_total",
				Help: "Total number of messages received.",
			},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dopoll_errors_total",
				Help: "Total number of reported failures by phase.",
			},
			[]string{"phase"},
		),
	}
	for _, c := range []prometheus.Collector{m.cycles, m.tasks, m.messages, m.errors} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// Returns hooks which update the counters.
func (m *Metrics) Hooks() poll.Hooks {
	return poll.Hooks{
		OnWork: func(ctx context.Context, tasks []poll.Task, messages []poll.Message) error {
			m.cycles.WithLabelValues("work").Inc()
			m.messages.Add(float64(len(messages)))
			return nil
		},
		OnIdle: func(ctx context.Context, workerID string) error {
			m.cycles.WithLabelValues("idle").Inc()
			return nil
		},
		OnTaskStart: func(ctx context.Context, t poll.Task) error {
			m.tasks.WithLabelValues("started").Inc()
			return nil
		},
		OnTaskComplete: func(ctx context.Context, t poll.Task, result any) error {
			m.tasks.WithLabelValues("completed").Inc()
			return nil
		},
		OnError: func(ctx context.Context, err error, ec poll.ErrorContext) error {
			m.errors.WithLabelValues(string(ec.Phase)).Inc()
			if ec.Fetch {
				m.cycles.WithLabelValues("fetch_error").Inc()
			}
			return nil
		},
	}
}

// Registers gauges reporting the current interval and running state of e,
// labelled with its worker ID.
func (m *Metrics) Watch(e *poll.Engine) error {
	labels := prometheus.Labels{"worker_id": e.WorkerID()}
	interval := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "dopoll_interval_seconds",
			Help:        "Delay before the next poll cycle.",
			ConstLabels: labels,
		},
		func() float64 {
			return e.Interval().Seconds()
		},
	)
	running := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "dopoll_running",
			Help:        "Whether the engine is running.",
			ConstLabels: labels,
		},
		func() float64 {
			if e.Running() {
				return 1
			}
			return 0
		},
	)
	if err := m.reg.Register(interval); err != nil {
		return fmt.Errorf("register interval gauge: %w", err)
	}
	if err := m.reg.Register(running); err != nil {
		m.reg.Unregister(interval)
		return fmt.Errorf("register running gauge: %w", err)
	}
	return nil
}
