// Command conjunction-monitor tracks a set of bodies, raises alerts when a
// pair comes within the proximity threshold and mitigates with one body of
// each risky pair until the pair is safe again.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/conjunction-monitor/core"
	"github.com/signalsfoundry/conjunction-monitor/internal/comms"
	"github.com/signalsfoundry/conjunction-monitor/internal/config"
	"github.com/signalsfoundry/conjunction-monitor/internal/eventlog"
	"github.com/signalsfoundry/conjunction-monitor/internal/logging"
	"github.com/signalsfoundry/conjunction-monitor/internal/mitigation"
	"github.com/signalsfoundry/conjunction-monitor/internal/observability"
	"github.com/signalsfoundry/conjunction-monitor/internal/routing"
	"github.com/signalsfoundry/conjunction-monitor/timectrl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.LookupEnv, logging.NewFromEnv(), prometheus.DefaultRegisterer)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, lookupEnv func(string) (string, bool), log logging.Logger, registerer prometheus.Registerer) int {
	cfg, err := config.Load(args, lookupEnv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			config.Usage(os.Stderr)
			return 0
		}
		log.Error(ctx, "invalid configuration", logging.Err(err))
		return 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromLookup(lookupEnv), log)
	if err != nil {
		log.Warn(ctx, "tracing not initialised", logging.Err(err))
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewMonitorCollector(registerer)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		return 1
	}

	registry, err := cfg.Registry()
	if err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		return 1
	}
	ids := registry.IDs()
	start := cfg.StartTime(time.Now())

	propagators, err := core.NewPropagatorSet(registry.ListBodies(), start)
	if err != nil {
		log.Error(ctx, "invalid orbital elements", logging.Err(err))
		return 1
	}

	fileSink, err := eventlog.NewFileSink(cfg.EventLog, eventlog.FileOptions{MaxSizeMB: cfg.EventLogMaxMB, MaxBackups: 3})
	if err != nil {
		log.Error(ctx, "failed to open event log", logging.String("path", cfg.EventLog), logging.Err(err))
		return 1
	}
	defer fileSink.Close()
	sink := eventlog.Multi(fileSink, collector)

	transport, err := comms.NewUDPTransport()
	if err != nil {
		log.Error(ctx, "failed to open sender socket", logging.Err(err))
		return 1
	}
	defer transport.Close()

	dispatcher := comms.NewDispatcher(transport,
		comms.WithRateLimit(cfg.SendRate),
		comms.WithDispatchMetrics(collector),
		comms.WithDispatchLogger(log.With(logging.String("component", "dispatcher"))),
	)

	mode := timectrl.RealTime
	if cfg.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(start, cfg.Tick, mode)

	ports := cfg.PortPlan().Assign(ids)
	listeners := make(map[string]*comms.Listener, len(ids))
	for _, id := range ids {
		listeners[id] = comms.NewListener(comms.ListenerConfig{
			BodyID:       id,
			Port:         ports[id],
			Attempts:     cfg.BindAttempts,
			RetrySpacing: cfg.RetrySpacing,
			ReadTimeout:  cfg.ReceiveTimeout,
		},
			comms.WithSink(sink),
			comms.WithEventClock(tc),
			comms.WithListenerMetrics(collector),
			comms.WithListenerLogger(log.With(logging.String("component", "listener"))),
		)
	}
	conns := openListeners(ctx, ids, listeners, ports, log)
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	coordinator, err := mitigation.NewCoordinator(ids, propagators,
		core.NewProximityMonitor(cfg.ThresholdKm, cfg.EpsilonKm, log),
		mitigation.Config{
			Mode:      cfg.MitigationMode,
			Duration:  cfg.MitigationDuration,
			DeltaVKmS: cfg.DeltaVKmS,
			Telemetry: cfg.Telemetry,
			PeerHost:  cfg.PeerHost,
		},
		mitigation.WithDispatcher(dispatcher, ports),
		mitigation.WithSink(sink),
		mitigation.WithRouteFinder(routeGraph(ids, cfg.Links)),
		mitigation.WithMetrics(collector),
		mitigation.WithLogger(log.With(logging.String("component", "coordinator"))),
	)
	if err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		return 1
	}

	if metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log); metricsSrv != nil {
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = dispatcher.Run(ctx)
	}()
	for id, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = listeners[id].Serve(ctx, conn)
		}()
	}

	log.Info(ctx, "conjunction monitor started",
		logging.Int("bodies", len(ids)),
		logging.Int("listeners", len(conns)),
		logging.Float64("threshold_km", cfg.ThresholdKm),
		logging.String("mitigation_mode", cfg.MitigationMode.String()),
		logging.Duration("tick", cfg.Tick),
		logging.String("time_mode", mode.String()),
	)

	if err := coordinator.Run(ctx, tc, cfg.Duration); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn(ctx, "coordination loop stopped", logging.Err(err))
	}

	log.Info(ctx, "shutting down", logging.Int("active_alerts", len(coordinator.ActiveAlerts())))
	cancel()
	wg.Wait()
	return 0
}

// openListeners binds every body's listener before the first tick. A body
// bound on a fallback port is addressed there; a body with no listener is
// removed from ports so nothing is sent to a socket it does not own.
func openListeners(ctx context.Context, ids []string, listeners map[string]*comms.Listener, ports map[string]int, log logging.Logger) map[string]net.PacketConn {
	conns := make(map[string]net.PacketConn, len(ids))
	for _, id := range ids {
		conn, err := listeners[id].Open(ctx)
		if err != nil {
			log.Warn(ctx, "body unreachable, messages to it will not be sent",
				logging.String("body", id),
				logging.Err(err),
			)
			delete(ports, id)
			continue
		}
		if bound := comms.BoundPort(conn); bound != ports[id] {
			log.Warn(ctx, "listener bound on fallback port",
				logging.String("body", id),
				logging.Int("assigned", ports[id]),
				logging.Int("bound", bound),
			)
			ports[id] = bound
		}
		conns[id] = conn
	}
	return conns
}

func routeGraph(ids []string, links [][2]string) *routing.Graph {
	if len(links) == 0 {
		return routing.FullMesh(ids)
	}
	return routing.FromLinks(ids, links)
}

func serveMetrics(addr string, collector *observability.MonitorCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
