// Package mitigation owns per-body mitigation state: it picks the responder
// for each risky pair, overrides its trajectory while the mitigation lasts
// and restores nominal behaviour once the pair is safe.
package mitigation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/conjunction-monitor/core"
	"github.com/signalsfoundry/conjunction-monitor/internal/eventlog"
	"github.com/signalsfoundry/conjunction-monitor/internal/logging"
	"github.com/signalsfoundry/conjunction-monitor/internal/observability"
	"github.com/signalsfoundry/conjunction-monitor/model"
	"github.com/signalsfoundry/conjunction-monitor/timectrl"
)

// Defaults for Config.
const (
	DefaultDuration  = 20 * time.Second
	DefaultDeltaVKmS = 0.01
	DefaultPeerHost  = "127.0.0.1"
)

// ErrInvalidBodies is returned by NewCoordinator for an unusable body list.
var ErrInvalidBodies = errors.New("invalid body list")

// Enqueuer accepts outbound messages; *comms.Dispatcher implements it.
type Enqueuer interface {
	Enqueue(priority int, payload string, dst model.Address) (model.Message, error)
}

// RouteFinder looks up relay paths between bodies.
type RouteFinder interface {
	ShortestPath(src, dst string) []string
}

// Metrics receives per-tick measurements.
type Metrics interface {
	ObserveTick(d time.Duration)
	SetPairsAtRisk(n int)
	SetActiveAlerts(n int)
	IncAlerts()
	IncAnomalies()
	IncPropagationErrors()
	SetMitigationsActive(mode string, n int)
}

// Config holds the mitigation parameters.
type Config struct {
	Mode      model.MitigationMode
	Duration  time.Duration
	DeltaVKmS float64
	// Telemetry enables position exchange between bodies of safe pairs.
	Telemetry bool
	PeerHost  string
}

func (c Config) withDefaults() Config {
	if c.Duration <= 0 {
		c.Duration = DefaultDuration
	}
	if c.DeltaVKmS <= 0 {
		c.DeltaVKmS = DefaultDeltaVKmS
	}
	if c.PeerHost == "" {
		c.PeerHost = DefaultPeerHost
	}
	return c
}

// TickReport summarises one tick.
type TickReport struct {
	Time      time.Time
	TickID    string
	Readings  []core.PairReading
	Skipped   []string        // bodies without a position this tick
	Triggered []model.PairKey // pairs that entered ActiveAlerts
	Cleared   []model.PairKey // pairs that left ActiveAlerts
	Expired   []string        // bodies whose mitigation window ran out
}

// Coordinator owns every Body, Record and the ActiveAlerts set. Tick is the
// only mutator and must be called from a single goroutine; the accessors
// must not race with it.
type Coordinator struct {
	cfg        Config
	order      []string
	bodies     map[string]*Body
	records    map[string]*Record
	active     map[model.PairKey]struct{}
	propagator core.OrbitPropagator
	monitor    *core.ProximityMonitor

	dispatch Enqueuer
	ports    map[string]int
	sink     eventlog.Sink
	routes   RouteFinder
	metrics  Metrics
	log      logging.Logger
	tracer   trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDispatcher sends alerts and telemetry through d, addressing each body
// at ports[id].
func WithDispatcher(d Enqueuer, ports map[string]int) Option {
	return func(c *Coordinator) {
		c.dispatch = d
		c.ports = ports
	}
}

// WithSink records state transitions to s.
func WithSink(s eventlog.Sink) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithRouteFinder includes the relay route in alert payloads.
func WithRouteFinder(r RouteFinder) Option {
	return func(c *Coordinator) { c.routes = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithTracer overrides the tracer used for tick spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// NewCoordinator tracks ids in the given discovery order. At least two
// distinct, non-empty ids are required.
func NewCoordinator(ids []string, propagator core.OrbitPropagator, monitor *core.ProximityMonitor, cfg Config, opts ...Option) (*Coordinator, error) {
	if len(ids) < 2 {
		return nil, fmt.Errorf("%w: need at least two bodies, got %d", ErrInvalidBodies, len(ids))
	}
	if propagator == nil {
		return nil, errors.New("coordinator requires a propagator")
	}
	c := &Coordinator{
		cfg:        cfg.withDefaults(),
		order:      make([]string, 0, len(ids)),
		bodies:     make(map[string]*Body, len(ids)),
		records:    make(map[string]*Record),
		active:     make(map[model.PairKey]struct{}),
		propagator: propagator,
		monitor:    monitor,
		sink:       eventlog.Discard,
		metrics:    (*observability.MonitorCollector)(nil),
		log:        logging.Noop(),
		tracer:     observability.Tracer(),
	}
	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: empty body id", ErrInvalidBodies)
		}
		if _, dup := c.bodies[id]; dup {
			return nil, fmt.Errorf("%w: duplicate body id %q", ErrInvalidBodies, id)
		}
		c.order = append(c.order, id)
		c.bodies[id] = &Body{ID: id, State: model.StateNominal}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.monitor == nil {
		c.monitor = core.NewProximityMonitor(0, 0, c.log)
	}
	return c, nil
}

// Run registers Tick with tc and drives it until ctx is done or duration
// elapses.
func (c *Coordinator) Run(ctx context.Context, tc *timectrl.TimeController, duration time.Duration) error {
	tc.AddListener(func(ctx context.Context, now time.Time) {
		c.Tick(ctx, now)
	})
	return tc.Run(ctx, duration)
}

// Tick runs one coordination step at now: expire finished mitigations,
// resolve every body's position, then evaluate each pair in discovery order.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) TickReport {
	started := time.Now()
	ctx, tickID := logging.WithTickID(ctx)
	ctx, span := c.tracer.Start(ctx, "coordinator.tick",
		trace.WithAttributes(
			attribute.String("tick.id", tickID),
			attribute.String("tick.time", now.UTC().Format(time.RFC3339)),
		),
	)
	defer span.End()

	report := TickReport{Time: now, TickID: tickID}

	c.expire(ctx, now, &report)
	positions := c.resolvePositions(ctx, now, &report)
	report.Readings = c.monitor.Evaluate(ctx, c.order, positions)

	atRisk := 0
	for _, r := range report.Readings {
		if r.Anomaly {
			c.metrics.IncAnomalies()
			continue
		}
		_, active := c.active[r.Key]
		switch {
		case r.Risk && !active:
			c.trigger(ctx, now, r)
			report.Triggered = append(report.Triggered, r.Key)
		case r.Risk && active:
			c.log.Debug(ctx, "pair already under mitigation", logging.String("pair", r.Key.String()))
		case !r.Risk && active:
			c.clear(ctx, now, r)
			report.Cleared = append(report.Cleared, r.Key)
		}
		if r.Risk {
			atRisk++
		} else if c.cfg.Telemetry {
			c.exchangeTelemetry(ctx, now, r.Key, positions)
		}
	}

	c.metrics.SetPairsAtRisk(atRisk)
	c.metrics.SetActiveAlerts(len(c.active))
	paused, maneuvering := 0, 0
	for _, rec := range c.records {
		if rec.Mode == model.ModeManeuver {
			maneuvering++
		} else {
			paused++
		}
	}
	c.metrics.SetMitigationsActive(model.ModePause.String(), paused)
	c.metrics.SetMitigationsActive(model.ModeManeuver.String(), maneuvering)
	c.metrics.ObserveTick(time.Since(started))

	span.SetAttributes(
		attribute.Int("pairs.evaluated", len(report.Readings)),
		attribute.Int("pairs.at_risk", atRisk),
		attribute.Int("alerts.active", len(c.active)),
	)
	return report
}

func (c *Coordinator) expire(ctx context.Context, now time.Time, report *TickReport) {
	for _, id := range c.order {
		rec, ok := c.records[id]
		if !ok || !rec.Expired(now) {
			continue
		}
		delete(c.records, id)
		c.bodies[id].State = model.StateNominal
		report.Expired = append(report.Expired, id)
		c.log.Info(ctx, "mitigation expired",
			logging.String("body", id),
			logging.String("mode", rec.Mode.String()),
		)
		c.appendEvent(ctx, model.Event{
			Time:    now,
			Type:    model.EventAction,
			BodyID:  id,
			Message: fmt.Sprintf("%s window elapsed, restored to nominal", rec.Mode),
		})
	}
}

func (c *Coordinator) resolvePositions(ctx context.Context, now time.Time, report *TickReport) map[string]core.Vec3 {
	positions := make(map[string]core.Vec3, len(c.order))
	for _, id := range c.order {
		body := c.bodies[id]
		if rec, ok := c.records[id]; ok {
			body.Position, body.Velocity = rec.PositionVelocity(now)
			body.State = rec.Mode.State()
			positions[id] = body.Position
			if rec.Mode == model.ModePause {
				c.appendEvent(ctx, model.Event{
					Time:    now,
					Type:    model.EventPaused,
					BodyID:  id,
					Message: "Holding position",
				})
			}
			continue
		}

		pos, vel, err := c.propagator.PositionVelocity(id, now)
		if err != nil {
			report.Skipped = append(report.Skipped, id)
			c.metrics.IncPropagationErrors()
			c.log.Warn(ctx, "skipping body for this tick", logging.String("body", id), logging.Err(err))
			continue
		}
		body.Position, body.Velocity = pos, vel
		positions[id] = pos
	}
	return positions
}

func (c *Coordinator) trigger(ctx context.Context, now time.Time, r core.PairReading) {
	responder := r.Key.Responder()
	other := r.Key.Other(responder)

	var action string
	if existing, ok := c.records[responder]; ok {
		c.log.Info(ctx, "responder already mitigating, keeping current record",
			logging.String("body", responder),
			logging.String("cause", existing.Cause.String()),
		)
		action = fmt.Sprintf("Continuing %s for %s, also at risk with %s", existing.Mode, existing.Cause, other)
	} else {
		rec := c.newRecord(responder, other, now, r.Key)
		c.records[responder] = rec
		c.bodies[responder].State = rec.Mode.State()
		action = c.actionMessage(responder, other)
	}
	c.active[r.Key] = struct{}{}
	c.metrics.IncAlerts()

	alert := fmt.Sprintf("COLLISION RISK! %s <-> %s | Distance = %.2f km", r.Key.A, r.Key.B, r.Distance)
	if c.routes != nil {
		if path := c.routes.ShortestPath(responder, other); len(path) > 0 {
			alert += " | Route " + strings.Join(path, " -> ")
		}
	}
	c.log.Warn(ctx, "collision risk",
		logging.String("pair", r.Key.String()),
		logging.Float64("distance_km", r.Distance),
		logging.String("responder", responder),
		logging.String("mode", c.cfg.Mode.String()),
	)

	c.send(ctx, model.PriorityAlert, alert, other)
	c.send(ctx, model.PriorityAlert, alert, responder)

	c.appendEvent(ctx, model.Event{Time: now, Type: model.EventAlert, BodyID: other, Message: alert})
	c.appendEvent(ctx, model.Event{Time: now, Type: model.EventAction, BodyID: responder, Message: action})
}

func (c *Coordinator) newRecord(responder, other string, now time.Time, cause model.PairKey) *Record {
	body := c.bodies[responder]
	rec := &Record{
		BodyID:   responder,
		Mode:     c.cfg.Mode,
		Start:    now,
		Duration: c.cfg.Duration,
		Position: body.Position,
		Velocity: body.Velocity,
		Cause:    cause,
	}
	if rec.Mode == model.ModeManeuver {
		if dir, ok := body.Position.Sub(c.bodies[other].Position).Unit(); ok {
			rec.DeltaV = dir.Scale(c.cfg.DeltaVKmS)
		}
	}
	return rec
}

func (c *Coordinator) actionMessage(responder, other string) string {
	rec, ok := c.records[responder]
	if !ok || rec.Mode == model.ModePause {
		return fmt.Sprintf("Paused due to collision risk with %s", other)
	}
	dv := rec.DeltaV.Round(4)
	return fmt.Sprintf("Maneuvering away from %s, delta-v (%.4f, %.4f, %.4f) km/s", other, dv.X, dv.Y, dv.Z)
}

func (c *Coordinator) clear(ctx context.Context, now time.Time, r core.PairReading) {
	delete(c.active, r.Key)
	for _, id := range []string{r.Key.A, r.Key.B} {
		rec, ok := c.records[id]
		if !ok {
			continue
		}
		// A body still responding to another active pair keeps its record.
		if next, still := c.remainingCause(id); still {
			c.log.Info(ctx, "mitigation kept for remaining pair",
				logging.String("body", id),
				logging.String("cleared", r.Key.String()),
				logging.String("cause", next.String()),
			)
			rec.Cause = next
			continue
		}
		delete(c.records, id)
		c.bodies[id].State = model.StateNominal
	}

	responder := r.Key.Responder()
	other := r.Key.Other(responder)
	c.log.Info(ctx, "pair safe again",
		logging.String("pair", r.Key.String()),
		logging.Float64("distance_km", r.Distance),
	)
	resume := fmt.Sprintf("Safe distance with %s = %.2f km, resuming nominal", other, r.Distance)
	if rec, ok := c.records[responder]; ok {
		resume = fmt.Sprintf("Safe distance with %s = %.2f km, %s continues for %s", other, r.Distance, rec.Mode, rec.Cause)
	}
	c.appendEvent(ctx, model.Event{
		Time:    now,
		Type:    model.EventResume,
		BodyID:  responder,
		Message: resume,
	})
	c.appendEvent(ctx, model.Event{
		Time:    now,
		Type:    model.EventSafe,
		BodyID:  other,
		Message: fmt.Sprintf("Safe distance with %s = %.2f km", responder, r.Distance),
	})
}

// remainingCause returns the first active pair, in sorted order, that id
// responds to.
func (c *Coordinator) remainingCause(id string) (model.PairKey, bool) {
	for _, k := range c.ActiveAlerts() {
		if k.Responder() == id {
			return k, true
		}
	}
	return model.PairKey{}, false
}

func (c *Coordinator) exchangeTelemetry(ctx context.Context, now time.Time, key model.PairKey, positions map[string]core.Vec3) {
	for _, from := range []string{key.A, key.B} {
		to := key.Other(from)
		p := positions[from].Round(2)
		payload := fmt.Sprintf("Telemetry %s: [%.2f %.2f %.2f]", from, p.X, p.Y, p.Z)
		c.send(ctx, model.PriorityTelemetry, payload, to)
		c.appendEvent(ctx, model.Event{Time: now, Type: model.EventTelemetry, BodyID: from, Message: payload})
	}
}

func (c *Coordinator) send(ctx context.Context, priority int, payload, to string) {
	if c.dispatch == nil {
		return
	}
	port, ok := c.ports[to]
	if !ok {
		c.log.Warn(ctx, "no port assigned, message not sent", logging.String("body", to))
		return
	}
	if _, err := c.dispatch.Enqueue(priority, payload, model.Address{Host: c.cfg.PeerHost, Port: port}); err != nil {
		c.log.Warn(ctx, "enqueue failed", logging.String("body", to), logging.Err(err))
	}
}

func (c *Coordinator) appendEvent(ctx context.Context, ev model.Event) {
	if err := c.sink.Append(ev); err != nil {
		c.log.Warn(ctx, "event log append failed",
			logging.String("type", string(ev.Type)),
			logging.String("body", ev.BodyID),
			logging.Err(err),
		)
	}
}

// Body returns a copy of the body's current view.
func (c *Coordinator) Body(id string) (Body, bool) {
	b, ok := c.bodies[id]
	if !ok {
		return Body{}, false
	}
	return *b, true
}

// State returns the body's lifecycle state; unknown bodies report Nominal.
func (c *Coordinator) State(id string) model.BodyState {
	if b, ok := c.bodies[id]; ok {
		return b.State
	}
	return model.StateNominal
}

// Record returns the body's active mitigation, if any.
func (c *Coordinator) Record(id string) (Record, bool) {
	r, ok := c.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ActiveAlerts returns the pairs under mitigation, sorted.
func (c *Coordinator) ActiveAlerts() []model.PairKey {
	keys := make([]model.PairKey, 0, len(c.active))
	for k := range c.active {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].A != keys[j].A {
			return keys[i].A < keys[j].A
		}
		return keys[i].B < keys[j].B
	})
	return keys
}
