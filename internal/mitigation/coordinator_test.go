package mitigation

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/conjunction-monitor/core"
	"github.com/signalsfoundry/conjunction-monitor/internal/eventlog"
	"github.com/signalsfoundry/conjunction-monitor/internal/observability"
	"github.com/signalsfoundry/conjunction-monitor/internal/routing"
	"github.com/signalsfoundry/conjunction-monitor/model"
	"github.com/signalsfoundry/conjunction-monitor/timectrl"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePropagator struct {
	pos  map[string]core.Vec3
	vel  map[string]core.Vec3
	fail map[string]bool
}

func newFakePropagator() *fakePropagator {
	return &fakePropagator{
		pos:  map[string]core.Vec3{},
		vel:  map[string]core.Vec3{},
		fail: map[string]bool{},
	}
}

func (f *fakePropagator) PositionVelocity(id string, _ time.Time) (core.Vec3, core.Vec3, error) {
	if f.fail[id] {
		return core.Vec3{}, core.Vec3{}, core.ErrPropagation
	}
	p, ok := f.pos[id]
	if !ok {
		return core.Vec3{}, core.Vec3{}, core.ErrPropagation
	}
	return p, f.vel[id], nil
}

type recordingEnqueuer struct {
	msgs []model.Message
}

func (r *recordingEnqueuer) Enqueue(priority int, payload string, dst model.Address) (model.Message, error) {
	m := model.Message{Priority: priority, Payload: payload, Destination: dst, Seq: uint64(len(r.msgs) + 1)}
	r.msgs = append(r.msgs, m)
	return m, nil
}

func (r *recordingEnqueuer) byPriority(p int) []model.Message {
	var out []model.Message
	for _, m := range r.msgs {
		if m.Priority == p {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	coord *Coordinator
	prop  *fakePropagator
	out   *recordingEnqueuer
	rec   *eventlog.Recorder
	ports map[string]int
}

func newHarness(t *testing.T, ids []string, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		prop:  newFakePropagator(),
		out:   &recordingEnqueuer{},
		rec:   eventlog.NewRecorder(),
		ports: map[string]int{},
	}
	for i, id := range ids {
		h.ports[id] = 5000 + i
	}
	opts = append([]Option{WithDispatcher(h.out, h.ports), WithSink(h.rec)}, opts...)
	coord, err := NewCoordinator(ids, h.prop, core.NewProximityMonitor(10, 0.001, nil), cfg, opts...)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	h.coord = coord
	return h
}

func TestTickFiveKilometresTriggersSingleResponder(t *testing.T) {
	h := newHarness(t, []string{"SAT-B", "SAT-A"}, Config{})
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
	h.prop.pos["SAT-B"] = core.Vec3{X: 7005}

	report := h.coord.Tick(context.Background(), t0)

	if len(report.Triggered) != 1 {
		t.Fatalf("triggered = %v, want one pair", report.Triggered)
	}
	key := model.NewPairKey("SAT-A", "SAT-B")
	if alerts := h.coord.ActiveAlerts(); len(alerts) != 1 || alerts[0] != key {
		t.Fatalf("ActiveAlerts = %v, want [%v]", alerts, key)
	}
	if got := h.coord.State("SAT-A"); got != model.StatePaused {
		t.Fatalf("SAT-A state = %v, want Paused", got)
	}
	if got := h.coord.State("SAT-B"); got != model.StateNominal {
		t.Fatalf("SAT-B state = %v, want Nominal", got)
	}

	alertEvents := h.rec.Filter(model.EventAlert)
	actionEvents := h.rec.Filter(model.EventAction)
	if len(alertEvents) != 1 || len(actionEvents) != 1 {
		t.Fatalf("events: %d Alert, %d Action; want 1 and 1", len(alertEvents), len(actionEvents))
	}
	if alertEvents[0].BodyID != "SAT-B" || actionEvents[0].BodyID != "SAT-A" {
		t.Fatalf("event owners: alert=%s action=%s", alertEvents[0].BodyID, actionEvents[0].BodyID)
	}
	if !strings.Contains(alertEvents[0].Message, "5.00 km") {
		t.Fatalf("alert message %q should carry the distance", alertEvents[0].Message)
	}

	alerts := h.out.byPriority(model.PriorityAlert)
	if len(alerts) != 2 {
		t.Fatalf("alert messages = %d, want 2", len(alerts))
	}
	dests := map[int]bool{alerts[0].Destination.Port: true, alerts[1].Destination.Port: true}
	if !dests[h.ports["SAT-A"]] || !dests[h.ports["SAT-B"]] {
		t.Fatalf("alert destinations = %v, want both bodies' ports", dests)
	}
	if alerts[0].Destination.Host != DefaultPeerHost {
		t.Fatalf("alert host = %q", alerts[0].Destination.Host)
	}
}

func TestTickIsIdempotentForActivePair(t *testing.T) {
	h := newHarness(t, []string{"SAT-A", "SAT-B"}, Config{})
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
	h.prop.pos["SAT-B"] = core.Vec3{X: 7005}

	ctx := context.Background()
	h.coord.Tick(ctx, t0)
	first, _ := h.coord.Record("SAT-A")

	for i := 1; i <= 3; i++ {
		report := h.coord.Tick(ctx, t0.Add(time.Duration(i)*5*time.Second))
		if len(report.Triggered) != 0 {
			t.Fatalf("tick %d re-triggered %v", i, report.Triggered)
		}
	}

	if n := len(h.rec.Filter(model.EventAlert)); n != 1 {
		t.Fatalf("Alert events = %d, want 1", n)
	}
	if n := len(h.out.byPriority(model.PriorityAlert)); n != 2 {
		t.Fatalf("alert messages = %d, want 2", n)
	}
	again, ok := h.coord.Record("SAT-A")
	if !ok || again.Start != first.Start {
		t.Fatalf("record replaced: %+v vs %+v", again, first)
	}
	if _, ok := h.coord.Record("SAT-B"); ok {
		t.Fatalf("SAT-B must not hold a record")
	}
	if n := len(h.rec.Filter(model.EventPaused)); n != 3 {
		t.Fatalf("Paused events = %d, want one per later tick", n)
	}
}

func TestTickClearsPairOnceSafe(t *testing.T) {
	h := newHarness(t, []string{"SAT-A", "SAT-B"}, Config{})
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
	h.prop.pos["SAT-B"] = core.Vec3{X: 7005}

	ctx := context.Background()
	h.coord.Tick(ctx, t0)

	h.prop.pos["SAT-B"] = core.Vec3{X: 7050}
	report := h.coord.Tick(ctx, t0.Add(5*time.Second))

	if len(report.Cleared) != 1 {
		t.Fatalf("cleared = %v, want one pair", report.Cleared)
	}
	if alerts := h.coord.ActiveAlerts(); len(alerts) != 0 {
		t.Fatalf("ActiveAlerts = %v, want empty", alerts)
	}
	if _, ok := h.coord.Record("SAT-A"); ok {
		t.Fatalf("record should be cleared immediately")
	}
	if h.coord.State("SAT-A") != model.StateNominal || h.coord.State("SAT-B") != model.StateNominal {
		t.Fatalf("both bodies should be nominal")
	}

	resume := h.rec.Filter(model.EventResume)
	safe := h.rec.Filter(model.EventSafe)
	if len(resume)+len(safe) != 2 || len(resume) != 1 {
		t.Fatalf("Resume=%d Safe=%d, want one each", len(resume), len(safe))
	}
	if resume[0].BodyID != "SAT-A" || safe[0].BodyID != "SAT-B" {
		t.Fatalf("owners: resume=%s safe=%s", resume[0].BodyID, safe[0].BodyID)
	}
	if !strings.Contains(safe[0].Message, "50.00 km") {
		t.Fatalf("safe message %q should carry the distance", safe[0].Message)
	}
}

func TestClearingOnePairKeepsMitigationForRemainingPair(t *testing.T) {
	h := newHarness(t, []string{"SAT-A", "SAT-B", "SAT-C"}, Config{})
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
	h.prop.pos["SAT-B"] = core.Vec3{X: 7005}
	h.prop.pos["SAT-C"] = core.Vec3{X: 6995}

	ab := model.NewPairKey("SAT-A", "SAT-B")
	ac := model.NewPairKey("SAT-A", "SAT-C")
	ctx := context.Background()

	report := h.coord.Tick(ctx, t0)
	if len(report.Triggered) != 2 {
		t.Fatalf("triggered = %v, want A<->B and A<->C", report.Triggered)
	}
	actions := h.rec.Filter(model.EventAction)
	if len(actions) != 2 || !strings.Contains(actions[1].Message, "also at risk with SAT-C") {
		t.Fatalf("action events = %+v", actions)
	}

	h.prop.pos["SAT-B"] = core.Vec3{X: 7100}
	report = h.coord.Tick(ctx, t0.Add(5*time.Second))
	if len(report.Cleared) != 1 || report.Cleared[0] != ab {
		t.Fatalf("cleared = %v, want [%v]", report.Cleared, ab)
	}
	if alerts := h.coord.ActiveAlerts(); len(alerts) != 1 || alerts[0] != ac {
		t.Fatalf("ActiveAlerts = %v, want [%v]", alerts, ac)
	}
	if got := h.coord.State("SAT-A"); got != model.StatePaused {
		t.Fatalf("SAT-A state = %v, want Paused while A<->C is at risk", got)
	}
	rec, ok := h.coord.Record("SAT-A")
	if !ok || rec.Cause != ac {
		t.Fatalf("SAT-A record = %+v (ok=%v), want cause %v", rec, ok, ac)
	}
	resume := h.rec.Filter(model.EventResume)
	if len(resume) != 1 || !strings.Contains(resume[0].Message, "continues for SAT-A<->SAT-C") {
		t.Fatalf("resume events = %+v", resume)
	}

	h.prop.pos["SAT-C"] = core.Vec3{X: 6900}
	report = h.coord.Tick(ctx, t0.Add(10*time.Second))
	if len(report.Cleared) != 1 || report.Cleared[0] != ac {
		t.Fatalf("cleared = %v, want [%v]", report.Cleared, ac)
	}
	if _, ok := h.coord.Record("SAT-A"); ok {
		t.Fatalf("SAT-A record should be gone once every pair is safe")
	}
	if got := h.coord.State("SAT-A"); got != model.StateNominal {
		t.Fatalf("SAT-A state = %v, want Nominal", got)
	}
}

func TestTickSuppressesAnomalousSeparation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMonitorCollector(reg)
	if err != nil {
		t.Fatalf("NewMonitorCollector: %v", err)
	}
	h := newHarness(t, []string{"SAT-A", "SAT-B"}, Config{Telemetry: true}, WithMetrics(metrics))
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
	h.prop.pos["SAT-B"] = core.Vec3{X: 7000.0005}

	report := h.coord.Tick(context.Background(), t0)

	if len(report.Readings) != 1 || !report.Readings[0].Anomaly || report.Readings[0].Risk {
		t.Fatalf("reading = %+v, want anomaly without risk", report.Readings)
	}
	if len(report.Triggered) != 0 || len(h.coord.ActiveAlerts()) != 0 {
		t.Fatalf("anomaly must not trigger mitigation")
	}
	if h.coord.State("SAT-A") != model.StateNominal {
		t.Fatalf("SAT-A state = %v", h.coord.State("SAT-A"))
	}
	if len(h.out.msgs) != 0 || len(h.rec.Events()) != 0 {
		t.Fatalf("anomaly produced messages %v / events %v", h.out.msgs, h.rec.Events())
	}
	if v := testutil.ToFloat64(metrics.Anomalies); v != 1 {
		t.Fatalf("anomalies = %v, want 1", v)
	}
}

func TestResponderIsLexicographicallySmaller(t *testing.T) {
	for _, order := range [][]string{{"SAT-Z", "SAT-A"}, {"SAT-A", "SAT-Z"}} {
		for run := 0; run < 3; run++ {
			h := newHarness(t, order, Config{})
			h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
			h.prop.pos["SAT-Z"] = core.Vec3{X: 7003}
			h.coord.Tick(context.Background(), t0)

			if _, ok := h.coord.Record("SAT-A"); !ok {
				t.Fatalf("order %v run %d: SAT-A should respond", order, run)
			}
			if _, ok := h.coord.Record("SAT-Z"); ok {
				t.Fatalf("order %v run %d: SAT-Z must not respond", order, run)
			}
		}
	}
}

func TestExpiryRestoresPropagatorTrajectory(t *testing.T) {
	h := newHarness(t, []string{"SAT-A", "SAT-B"}, Config{Duration: 20 * time.Second})
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
	h.prop.pos["SAT-B"] = core.Vec3{X: 7005}

	ctx := context.Background()
	h.coord.Tick(ctx, t0)

	h.prop.pos["SAT-A"] = core.Vec3{X: 6998, Y: 1}
	h.coord.Tick(ctx, t0.Add(10*time.Second))
	if b, _ := h.coord.Body("SAT-A"); b.Position != (core.Vec3{X: 7000}) {
		t.Fatalf("paused body moved to %v", b.Position)
	}

	report := h.coord.Tick(ctx, t0.Add(20*time.Second))
	if len(report.Expired) != 1 || report.Expired[0] != "SAT-A" {
		t.Fatalf("expired = %v, want [SAT-A]", report.Expired)
	}
	b, _ := h.coord.Body("SAT-A")
	if b.Position != (core.Vec3{X: 6998, Y: 1}) || b.State != model.StateNominal {
		t.Fatalf("body after expiry = %+v, want propagator position and Nominal", b)
	}
	if _, ok := h.coord.Record("SAT-A"); ok {
		t.Fatalf("record should be removed on expiry")
	}
	if len(h.coord.ActiveAlerts()) != 1 {
		t.Fatalf("pair stays active until safety is confirmed")
	}
	var restored bool
	for _, ev := range h.rec.Filter(model.EventAction) {
		if ev.BodyID == "SAT-A" && strings.Contains(ev.Message, "restored to nominal") {
			restored = true
		}
	}
	if !restored {
		t.Fatalf("missing restored-to-nominal Action event: %v", h.rec.Events())
	}
}

func TestPropagationErrorSkipsBodyForTick(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMonitorCollector(reg)
	if err != nil {
		t.Fatalf("NewMonitorCollector: %v", err)
	}
	h := newHarness(t, []string{"SAT-A", "SAT-B", "SAT-C"}, Config{}, WithMetrics(metrics))
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
	h.prop.pos["SAT-C"] = core.Vec3{X: 7004}
	h.prop.fail["SAT-B"] = true

	report := h.coord.Tick(context.Background(), t0)

	if len(report.Skipped) != 1 || report.Skipped[0] != "SAT-B" {
		t.Fatalf("skipped = %v, want [SAT-B]", report.Skipped)
	}
	if len(report.Readings) != 1 || report.Readings[0].Key != model.NewPairKey("SAT-A", "SAT-C") {
		t.Fatalf("readings = %+v, want only SAT-A<->SAT-C", report.Readings)
	}
	if len(report.Triggered) != 1 {
		t.Fatalf("remaining pair should still be evaluated")
	}
	if v := testutil.ToFloat64(metrics.PropagationErrors); v != 1 {
		t.Fatalf("propagation errors = %v, want 1", v)
	}
}

func TestManeuverModeAppliesDeltaVAwayFromOther(t *testing.T) {
	h := newHarness(t, []string{"SAT-A", "SAT-B"}, Config{Mode: model.ModeManeuver, DeltaVKmS: 0.01})
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
	h.prop.vel["SAT-A"] = core.Vec3{Y: 7.5}
	h.prop.pos["SAT-B"] = core.Vec3{X: 7005}

	ctx := context.Background()
	h.coord.Tick(ctx, t0)

	rec, ok := h.coord.Record("SAT-A")
	if !ok || rec.Mode != model.ModeManeuver {
		t.Fatalf("record = %+v, want maneuver", rec)
	}
	if math.Abs(rec.DeltaV.X+0.01) > 1e-12 || rec.DeltaV.Y != 0 || rec.DeltaV.Z != 0 {
		t.Fatalf("delta-v = %v, want (-0.01, 0, 0)", rec.DeltaV)
	}
	if h.coord.State("SAT-A") != model.StateManeuvering {
		t.Fatalf("state = %v, want Maneuvering", h.coord.State("SAT-A"))
	}

	h.coord.Tick(ctx, t0.Add(5*time.Second))
	b, _ := h.coord.Body("SAT-A")
	want := core.Vec3{X: 6999.95, Y: 37.5}
	if b.Position.DistanceTo(want) > 1e-9 {
		t.Fatalf("maneuver position = %v, want %v", b.Position, want)
	}
	if n := len(h.rec.Filter(model.EventPaused)); n != 0 {
		t.Fatalf("maneuvering body should not log Paused events")
	}
	if a := h.rec.Filter(model.EventAction); len(a) == 0 || !strings.Contains(a[0].Message, "Maneuvering away from SAT-B") {
		t.Fatalf("action events = %v", a)
	}
}

func TestTelemetryExchangedForSafePairs(t *testing.T) {
	h := newHarness(t, []string{"SAT-A", "SAT-B"}, Config{Telemetry: true})
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000, Y: 1.234}
	h.prop.pos["SAT-B"] = core.Vec3{X: 7100}

	h.coord.Tick(context.Background(), t0)

	tel := h.out.byPriority(model.PriorityTelemetry)
	if len(tel) != 2 {
		t.Fatalf("telemetry messages = %d, want 2", len(tel))
	}
	if tel[0].Payload != "Telemetry SAT-A: [7000.00 1.23 0.00]" || tel[0].Destination.Port != h.ports["SAT-B"] {
		t.Fatalf("first telemetry = %+v", tel[0])
	}
	if tel[1].Destination.Port != h.ports["SAT-A"] {
		t.Fatalf("second telemetry goes to %d, want SAT-A port", tel[1].Destination.Port)
	}
	if n := len(h.rec.Filter(model.EventTelemetry)); n != 2 {
		t.Fatalf("Telemetry events = %d, want 2", n)
	}

	quiet := newHarness(t, []string{"SAT-A", "SAT-B"}, Config{Telemetry: false})
	quiet.prop.pos = h.prop.pos
	quiet.coord.Tick(context.Background(), t0)
	if len(quiet.out.msgs) != 0 {
		t.Fatalf("telemetry disabled but %d messages queued", len(quiet.out.msgs))
	}
}

func TestAlertPayloadIncludesRoute(t *testing.T) {
	graph := routing.FromLinks([]string{"SAT-A", "SAT-B", "RELAY"}, [][2]string{{"SAT-A", "RELAY"}, {"RELAY", "SAT-B"}})
	h := newHarness(t, []string{"SAT-A", "SAT-B"}, Config{}, WithRouteFinder(graph))
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
	h.prop.pos["SAT-B"] = core.Vec3{X: 7001}

	h.coord.Tick(context.Background(), t0)

	alerts := h.out.byPriority(model.PriorityAlert)
	if len(alerts) == 0 || !strings.Contains(alerts[0].Payload, "Route SAT-A -> RELAY -> SAT-B") {
		t.Fatalf("alert payloads = %v", alerts)
	}
}

func TestTickUpdatesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMonitorCollector(reg)
	if err != nil {
		t.Fatalf("NewMonitorCollector: %v", err)
	}
	h := newHarness(t, []string{"SAT-A", "SAT-B"}, Config{}, WithMetrics(metrics))
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
	h.prop.pos["SAT-B"] = core.Vec3{X: 7005}

	h.coord.Tick(context.Background(), t0)

	if v := testutil.ToFloat64(metrics.Alerts); v != 1 {
		t.Fatalf("alerts_total = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.PairsAtRisk); v != 1 {
		t.Fatalf("pairs_at_risk = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.ActiveAlerts); v != 1 {
		t.Fatalf("active_alerts = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.MitigationsActive.WithLabelValues("pause")); v != 1 {
		t.Fatalf("mitigations_active{pause} = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.Ticks); v != 1 {
		t.Fatalf("ticks_total = %v, want 1", v)
	}
}

func TestNewCoordinatorRejectsBadBodyLists(t *testing.T) {
	prop := newFakePropagator()
	for _, ids := range [][]string{nil, {"ONLY"}, {"A", "A"}, {"A", ""}} {
		if _, err := NewCoordinator(ids, prop, nil, Config{}); !errors.Is(err, ErrInvalidBodies) {
			t.Fatalf("NewCoordinator(%v) err = %v, want ErrInvalidBodies", ids, err)
		}
	}
}

func TestRunDrivesTicksFromTimeController(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMonitorCollector(reg)
	if err != nil {
		t.Fatalf("NewMonitorCollector: %v", err)
	}
	h := newHarness(t, []string{"SAT-A", "SAT-B"}, Config{}, WithMetrics(metrics))
	h.prop.pos["SAT-A"] = core.Vec3{X: 7000}
	h.prop.pos["SAT-B"] = core.Vec3{X: 7500}

	tc := timectrl.NewTimeController(t0, 10*time.Millisecond, timectrl.Accelerated)
	if err := h.coord.Run(context.Background(), tc, 20*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v := testutil.ToFloat64(metrics.Ticks); v != 3 {
		t.Fatalf("ticks = %v, want 3", v)
	}
	if got := tc.Now(); !got.Equal(t0.Add(20 * time.Millisecond)) {
		t.Fatalf("controller time = %v", got)
	}
}
