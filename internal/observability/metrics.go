package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/conjunction-monitor/model"
)

// MonitorCollector bundles Prometheus metrics for the coordination loop, the
// dispatcher and the listeners. All methods are safe on a nil receiver.
type MonitorCollector struct {
	gatherer prometheus.Gatherer

	Ticks             prometheus.Counter
	TickDuration      prometheus.Histogram
	PairsAtRisk       prometheus.Gauge
	ActiveAlerts      prometheus.Gauge
	Alerts            prometheus.Counter
	Anomalies         prometheus.Counter
	PropagationErrors prometheus.Counter
	MitigationsActive *prometheus.GaugeVec
	EventsLogged      *prometheus.CounterVec

	QueueDepth      prometheus.Gauge
	MessagesSent    *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec

	DatagramsReceived *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	BindFailures      *prometheus.CounterVec
}

// NewMonitorCollector registers the monitor metrics against reg, defaulting to
// the global Prometheus registry when nil. Registering twice against the same
// registry reuses the existing collectors.
func NewMonitorCollector(reg prometheus.Registerer) (*MonitorCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &MonitorCollector{gatherer: gatherer}

	var err error
	if c.Ticks, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conjunction_ticks_total",
		Help: "Number of completed coordination ticks.",
	}), "conjunction_ticks_total"); err != nil {
		return nil, err
	}
	if c.TickDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "conjunction_tick_duration_seconds",
		Help:    "Wall time spent evaluating one coordination tick.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "conjunction_tick_duration_seconds"); err != nil {
		return nil, err
	}
	if c.PairsAtRisk, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conjunction_pairs_at_risk",
		Help: "Pairs classified as at risk in the most recent tick.",
	}), "conjunction_pairs_at_risk"); err != nil {
		return nil, err
	}
	if c.ActiveAlerts, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conjunction_active_alerts",
		Help: "Pairs currently under mitigation.",
	}), "conjunction_active_alerts"); err != nil {
		return nil, err
	}
	if c.Alerts, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conjunction_alerts_total",
		Help: "Risk episodes that triggered a mitigation response.",
	}), "conjunction_alerts_total"); err != nil {
		return nil, err
	}
	if c.Anomalies, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conjunction_anomalies_total",
		Help: "Pair readings suppressed as data anomalies.",
	}), "conjunction_anomalies_total"); err != nil {
		return nil, err
	}
	if c.PropagationErrors, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conjunction_propagation_errors_total",
		Help: "Bodies skipped for a tick because propagation failed.",
	}), "conjunction_propagation_errors_total"); err != nil {
		return nil, err
	}
	if c.MitigationsActive, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conjunction_mitigations_active",
		Help: "Bodies currently under mitigation, by mode.",
	}, []string{"mode"}), "conjunction_mitigations_active"); err != nil {
		return nil, err
	}
	if c.EventsLogged, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conjunction_events_logged_total",
		Help: "Events appended to the event log, by type.",
	}, []string{"type"}), "conjunction_events_logged_total"); err != nil {
		return nil, err
	}
	if c.QueueDepth, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_queue_depth",
		Help: "Messages waiting in the dispatch queue.",
	}), "dispatcher_queue_depth"); err != nil {
		return nil, err
	}
	if c.MessagesSent, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_messages_sent_total",
		Help: "Datagrams handed to the transport, by priority.",
	}, []string{"priority"}), "dispatcher_messages_sent_total"); err != nil {
		return nil, err
	}
	if c.MessagesDropped, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_messages_dropped_total",
		Help: "Datagrams dropped after a transmit failure, by priority.",
	}, []string{"priority"}), "dispatcher_messages_dropped_total"); err != nil {
		return nil, err
	}
	if c.DatagramsReceived, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listener_datagrams_received_total",
		Help: "Decoded datagrams received, by body.",
	}, []string{"body"}), "listener_datagrams_received_total"); err != nil {
		return nil, err
	}
	if c.DecodeErrors, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listener_decode_errors_total",
		Help: "Datagrams whose payload was not valid UTF-8, by body.",
	}, []string{"body"}), "listener_decode_errors_total"); err != nil {
		return nil, err
	}
	if c.BindFailures, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listener_bind_failures_total",
		Help: "Listeners abandoned after exhausting bind attempts, by body.",
	}, []string{"body"}), "listener_bind_failures_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *MonitorCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTick records one completed tick.
func (c *MonitorCollector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.Ticks.Inc()
	c.TickDuration.Observe(d.Seconds())
}

// SetPairsAtRisk updates the at-risk gauge.
func (c *MonitorCollector) SetPairsAtRisk(n int) {
	if c == nil {
		return
	}
	c.PairsAtRisk.Set(float64(n))
}

// SetActiveAlerts updates the active alert gauge.
func (c *MonitorCollector) SetActiveAlerts(n int) {
	if c == nil {
		return
	}
	c.ActiveAlerts.Set(float64(n))
}

// IncAlerts counts a new risk episode.
func (c *MonitorCollector) IncAlerts() {
	if c == nil {
		return
	}
	c.Alerts.Inc()
}

// IncAnomalies counts a suppressed reading.
func (c *MonitorCollector) IncAnomalies() {
	if c == nil {
		return
	}
	c.Anomalies.Inc()
}

// IncPropagationErrors counts a body skipped for one tick.
func (c *MonitorCollector) IncPropagationErrors() {
	if c == nil {
		return
	}
	c.PropagationErrors.Inc()
}

// SetMitigationsActive sets the number of bodies mitigating in mode.
func (c *MonitorCollector) SetMitigationsActive(mode string, n int) {
	if c == nil {
		return
	}
	c.MitigationsActive.WithLabelValues(mode).Set(float64(n))
}

// SetQueueDepth updates the dispatch queue gauge.
func (c *MonitorCollector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.QueueDepth.Set(float64(n))
}

// IncSent counts a transmitted message.
func (c *MonitorCollector) IncSent(priority int) {
	if c == nil {
		return
	}
	c.MessagesSent.WithLabelValues(strconv.Itoa(priority)).Inc()
}

// IncDropped counts a message dropped after a transmit failure.
func (c *MonitorCollector) IncDropped(priority int) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(strconv.Itoa(priority)).Inc()
}

// IncReceived counts a decoded inbound datagram.
func (c *MonitorCollector) IncReceived(body string) {
	if c == nil {
		return
	}
	c.DatagramsReceived.WithLabelValues(body).Inc()
}

// IncDecodeErrors counts an inbound datagram that failed to decode.
func (c *MonitorCollector) IncDecodeErrors(body string) {
	if c == nil {
		return
	}
	c.DecodeErrors.WithLabelValues(body).Inc()
}

// IncBindFailures counts an abandoned listener.
func (c *MonitorCollector) IncBindFailures(body string) {
	if c == nil {
		return
	}
	c.BindFailures.WithLabelValues(body).Inc()
}

// Append counts ev by type, so the collector can sit beside the event log
// file in an eventlog.Multi.
func (c *MonitorCollector) Append(ev model.Event) error {
	if c == nil {
		return nil
	}
	c.EventsLogged.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
