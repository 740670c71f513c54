package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "verdant"
	metricsSubsystem = "bridge"
)

// Metrics tracks bridge traffic. One instance is shared by a Runtime and
// every Service running on it.
type Metrics struct {
	mu sync.Mutex

	commandsTotal  *prometheus.CounterVec
	eventsEmitted  *prometheus.CounterVec
	eventsPolled   *prometheus.CounterVec
	eventsDropped  prometheus.Counter
	activeServices prometheus.Gauge
	activeRuntimes prometheus.Gauge
	activeTasks    prometheus.Gauge
	loginDuration  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newBridgeCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newBridgeGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the bridge collectors. Nothing is exported until Register.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:     registerer,
		commandsTotal:  newBridgeCounterVec("commands_total", "Commands dispatched by the service core", []string{"command", "status"}),
		eventsEmitted:  newBridgeCounterVec("events_emitted_total", "Events queued for the caller", []string{"tag"}),
		eventsPolled:   newBridgeCounterVec("events_polled_total", "Events handed to the caller by try-receive", []string{"tag"}),
		eventsDropped:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: metricsNamespace, Subsystem: metricsSubsystem, Name: "events_dropped_total", Help: "Events dropped from a full bounded event queue"}),
		activeServices: newBridgeGauge("active_services", "Services currently running"),
		activeRuntimes: newBridgeGauge("active_runtimes", "Runtimes currently open"),
		activeTasks:    newBridgeGauge("active_tasks", "Tasks currently running on runtimes"),
		loginDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "login_duration_seconds",
			Help:      "Time spent on login attempts against servers",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"status"}),
	}
}

// registerCollector registers c, adopting an identical collector that is
// already registered so several runtimes can share one registry.
func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.commandsTotal, err = registerCollector(m.registerer, m.commandsTotal); err != nil {
		return err
	}
	if m.eventsEmitted, err = registerCollector(m.registerer, m.eventsEmitted); err != nil {
		return err
	}
	if m.eventsPolled, err = registerCollector(m.registerer, m.eventsPolled); err != nil {
		return err
	}
	if m.eventsDropped, err = registerCollector(m.registerer, m.eventsDropped); err != nil {
		return err
	}
	if m.activeServices, err = registerCollector(m.registerer, m.activeServices); err != nil {
		return err
	}
	if m.activeRuntimes, err = registerCollector(m.registerer, m.activeRuntimes); err != nil {
		return err
	}
	if m.activeTasks, err = registerCollector(m.registerer, m.activeTasks); err != nil {
		return err
	}
	if m.loginDuration, err = registerCollector(m.registerer, m.loginDuration); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// RecordCommand counts a dispatched command. status is "ok" or "failed".
func (m *Metrics) RecordCommand(command, status string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command, status).Inc()
}

// RecordEventEmitted counts an event entering the caller's queue.
func (m *Metrics) RecordEventEmitted(tag EventTag) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(tag.String()).Inc()
}

// RecordEventPolled counts an event handed to the caller.
func (m *Metrics) RecordEventPolled(tag EventTag) {
	if m == nil {
		return
	}
	m.eventsPolled.WithLabelValues(tag.String()).Inc()
}

// RecordEventDropped counts an event evicted from a full queue.
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// RecordLogin observes a login attempt.
func (m *Metrics) RecordLogin(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.loginDuration.WithLabelValues(status).Observe(took.Seconds())
}

func (m *Metrics) serviceStarted() {
	if m != nil {
		m.activeServices.Inc()
	}
}

func (m *Metrics) serviceStopped() {
	if m != nil {
		m.activeServices.Dec()
	}
}

func (m *Metrics) runtimeOpened() {
	if m != nil {
		m.activeRuntimes.Inc()
	}
}

func (m *Metrics) runtimeClosed() {
	if m != nil {
		m.activeRuntimes.Dec()
	}
}

func (m *Metrics) taskStarted() {
	if m != nil {
		m.activeTasks.Inc()
	}
}

func (m *Metrics) taskFinished() {
	if m != nil {
		m.activeTasks.Dec()
	}
}
