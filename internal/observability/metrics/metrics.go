// Package metrics turns event bus traffic into Prometheus series.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hundredbot/internal/eventbus"
	"hundredbot/internal/scheduler"
)

const namespace = "hundredbot"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	settlements  *prometheus.CounterVec
	repsChanges  prometheus.Counter
	participants *prometheus.CounterVec
	tasksRunning prometheus.Gauge
	taskRetries  *prometheus.CounterVec
	sweeps       prometheus.Counter
	sweepLast    *prometheus.GaugeVec
	sweepTook    prometheus.Histogram
	notify       *prometheus.CounterVec
	commands     *prometheus.CounterVec
	commandTook  *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every collector. bus may be nil; when set, its drop counter
// is exported.
func New(bus eventbus.Bus) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Days settled, by source and outcome.",
		}, []string{"source", "outcome"}),
		repsChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reps_changes_total",
			Help:      "Accepted add or subtract commands.",
		}),
		participants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_events_total",
			Help:      "Registrations and resets.",
		}, []string{"event"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Per-participant tasks currently running.",
		}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Transient failures retried by participant tasks, by phase.",
		}, []string{"phase"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "midnight_sweeps_total",
			Help:      "Midnight settlement sweeps run.",
		}),
		sweepLast: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "midnight_last_sweep",
			Help:      "Counts from the most recent midnight sweep.",
		}, []string{"field"}),
		sweepTook: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "midnight_sweep_duration_seconds",
			Help:      "Wall time of midnight sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		notify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Participant notifications, by kind and result.",
		}, []string{"kind", "result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands handled.",
		}, []string{"command", "ok"}),
		commandTook: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Chat command handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.settlements, m.repsChanges, m.participants, m.tasksRunning, m.taskRetries,
		m.sweeps, m.sweepLast, m.sweepTook, m.notify, m.commands, m.commandTook,
		m.httpRequests, m.httpDuration,
	)
	if bus != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events not delivered because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
	return m
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe folds one event into the series.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeDaySettled:
		d, _ := e.Data.(eventbus.SettledData)
		m.settlements.WithLabelValues(d.Source, settleOutcome(d)).Inc()
	case eventbus.TypeRepsChanged:
		m.repsChanges.Inc()
	case eventbus.TypeParticipantAdded:
		m.participants.WithLabelValues("added").Inc()
	case eventbus.TypeParticipantReset:
		m.participants.WithLabelValues("reset").Inc()
	case eventbus.TypeTaskStarted:
		m.tasksRunning.Inc()
	case eventbus.TypeTaskStopped:
		m.tasksRunning.Dec()
	case eventbus.TypeTaskRetry:
		d, _ := e.Data.(eventbus.TaskData)
		m.taskRetries.WithLabelValues(d.Phase).Inc()
	case eventbus.TypeMidnightRun:
		s, _ := e.Data.(scheduler.SweepSummary)
		m.sweeps.Inc()
		m.sweepTook.Observe(s.Took.Seconds())
		m.sweepLast.WithLabelValues("checked").Set(float64(s.Checked))
		m.sweepLast.WithLabelValues("settled").Set(float64(s.Settled))
		m.sweepLast.WithLabelValues("eliminated").Set(float64(s.Eliminated))
		m.sweepLast.WithLabelValues("rearmed").Set(float64(s.Rearmed))
		m.sweepLast.WithLabelValues("failed").Set(float64(s.Failed))
	case eventbus.TypeNotifySent, eventbus.TypeNotifyFailed, eventbus.TypeNotifyDeduped:
		d, _ := e.Data.(eventbus.NotifyData)
		m.notify.WithLabelValues(d.Kind, notifyResult(e.Type)).Inc()
	case eventbus.TypeCommandHandled:
		d, _ := e.Data.(eventbus.CommandData)
		m.commands.WithLabelValues(d.Command, strconv.FormatBool(d.OK)).Inc()
		m.commandTook.WithLabelValues(d.Command).Observe(d.Took.Seconds())
	}
}

func settleOutcome(d eventbus.SettledData) string {
	switch {
	case d.Eliminated:
		return "eliminated"
	case d.LifeLost:
		return "life_lost"
	case d.Completed:
		return "completed"
	default:
		return "noop"
	}
}

func notifyResult(typ string) string {
	switch typ {
	case eventbus.TypeNotifySent:
		return "sent"
	case eventbus.TypeNotifyDeduped:
		return "deduped"
	default:
		return "failed"
	}
}

// Middleware records request counts and latency per route template, so ids
// in paths do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		m.httpRequests.WithLabelValues(path, r.Method, http.StatusText(ww.status)).Inc()
		m.httpDuration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
