package comms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/signalsfoundry/conjunction-monitor/internal/eventlog"
	"github.com/signalsfoundry/conjunction-monitor/internal/logging"
	"github.com/signalsfoundry/conjunction-monitor/model"
	"github.com/signalsfoundry/conjunction-monitor/timectrl"
)

// Listener defaults.
const (
	DefaultBindAttempts   = 10
	DefaultRetrySpacing   = 1000
	DefaultReadTimeout    = 2 * time.Second
	DefaultReceiveBufSize = MaxDatagramSize
)

var (
	// ErrBind is wrapped by BindError.
	ErrBind = errors.New("bind failed")
	// ErrDecode marks an inbound datagram that is not valid UTF-8.
	ErrDecode = errors.New("datagram is not valid utf-8")
)

// BindError reports a listener that found no free port.
type BindError struct {
	BodyID   string
	Ports    []int
	LastErr  error
	Attempts int
}

func (e *BindError) Error() string {
	return fmt.Sprintf("%v: body %q after %d attempts on ports %v: %v", ErrBind, e.BodyID, e.Attempts, e.Ports, e.LastErr)
}

// Unwrap exposes ErrBind and the last socket error.
func (e *BindError) Unwrap() []error {
	return []error{ErrBind, e.LastErr}
}

// Binder opens a packet socket; net.ListenPacket by default.
type Binder func(network, address string) (net.PacketConn, error)

// Handler is called with each decoded payload.
type Handler func(ctx context.Context, bodyID, payload string, from net.Addr)

// ListenerMetrics receives listener counters.
type ListenerMetrics interface {
	IncReceived(body string)
	IncDecodeErrors(body string)
	IncBindFailures(body string)
}

type noopListenerMetrics struct{}

func (noopListenerMetrics) IncReceived(string)     {}
func (noopListenerMetrics) IncDecodeErrors(string) {}
func (noopListenerMetrics) IncBindFailures(string) {}

// ListenerConfig describes one body's inbound socket.
type ListenerConfig struct {
	BodyID       string
	Host         string
	Port         int
	Attempts     int
	RetrySpacing int
	ReadTimeout  time.Duration
	BufferSize   int
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.Attempts <= 0 {
		c.Attempts = DefaultBindAttempts
	}
	if c.RetrySpacing <= 0 {
		c.RetrySpacing = DefaultRetrySpacing
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultReceiveBufSize
	}
	return c
}

// Listener receives datagrams addressed to one body.
type Listener struct {
	cfg     ListenerConfig
	bind    Binder
	sink    eventlog.Sink
	handler Handler
	metrics ListenerMetrics
	log     logging.Logger
	now     func() time.Time
	clock   timectrl.SimClock

	mu   sync.Mutex
	conn net.PacketConn
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithBinder replaces net.ListenPacket.
func WithBinder(b Binder) ListenerOption {
	return func(l *Listener) {
		if b != nil {
			l.bind = b
		}
	}
}

// WithSink records each received payload as a Telemetry event.
func WithSink(s eventlog.Sink) ListenerOption {
	return func(l *Listener) { l.sink = s }
}

// WithHandler sets a callback for decoded payloads.
func WithHandler(h Handler) ListenerOption {
	return func(l *Listener) { l.handler = h }
}

// WithEventClock stamps received-payload events with the clock's time
// instead of the wall clock.
func WithEventClock(c timectrl.SimClock) ListenerOption {
	return func(l *Listener) { l.clock = c }
}

// WithListenerMetrics sets the metrics sink.
func WithListenerMetrics(m ListenerMetrics) ListenerOption {
	return func(l *Listener) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithListenerLogger sets the logger.
func WithListenerLogger(log logging.Logger) ListenerOption {
	return func(l *Listener) {
		if log != nil {
			l.log = log
		}
	}
}

// NewListener builds a listener for cfg. Zero fields take the package
// defaults.
func NewListener(cfg ListenerConfig, opts ...ListenerOption) *Listener {
	l := &Listener{
		cfg:     cfg.withDefaults(),
		bind:    net.ListenPacket,
		metrics: noopListenerMetrics{},
		log:     logging.Noop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With(logging.String("body", l.cfg.BodyID))
	return l
}

// Bind tries Port + attempt*RetrySpacing for each attempt in order and keeps
// the first socket that opens.
func (l *Listener) Bind(ctx context.Context) (net.PacketConn, error) {
	bindErr := &BindError{BodyID: l.cfg.BodyID, Attempts: l.cfg.Attempts}
	for attempt := 0; attempt < l.cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port := l.cfg.Port + attempt*l.cfg.RetrySpacing
		addr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(port))
		conn, err := l.bind("udp", addr)
		if err != nil {
			bindErr.Ports = append(bindErr.Ports, port)
			bindErr.LastErr = err
			l.log.Warn(ctx, "listener bind failed",
				logging.String("addr", addr),
				logging.Int("attempt", attempt+1),
				logging.Err(err),
			)
			continue
		}
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		l.log.Info(ctx, "listener bound", logging.String("addr", conn.LocalAddr().String()))
		return conn, nil
	}
	return nil, bindErr
}

// Addr returns the bound address, or nil before Bind succeeds.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Open binds like Bind and counts and logs a BindError. It does not affect
// other listeners.
func (l *Listener) Open(ctx context.Context) (net.PacketConn, error) {
	conn, err := l.Bind(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.metrics.IncBindFailures(l.cfg.BodyID)
		l.log.Error(ctx, "listener giving up", logging.Err(err))
		return nil, err
	}
	return conn, nil
}

// Run opens and serves until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := l.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return l.Serve(ctx, conn)
}

// BoundPort returns the UDP port conn is bound to, or 0.
func BoundPort(conn net.PacketConn) int {
	if conn == nil {
		return 0
	}
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// Serve reads datagrams from conn until ctx is done, then closes it.
func (l *Listener) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, l.cfg.BufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(l.now().Add(l.cfg.ReadTimeout)); err != nil && ctx.Err() == nil {
			l.log.Warn(ctx, "set read deadline", logging.Err(err))
		}
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.log.Debug(ctx, "receive timeout")
				continue
			}
			l.log.Warn(ctx, "receive failed", logging.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		l.deliver(ctx, buf[:n], from)
	}
}

func (l *Listener) deliver(ctx context.Context, data []byte, from net.Addr) {
	if !utf8.Valid(data) {
		l.metrics.IncDecodeErrors(l.cfg.BodyID)
		l.log.Warn(ctx, "dropping datagram",
			logging.String("from", addrString(from)),
			logging.Err(fmt.Errorf("%w: %d bytes", ErrDecode, len(data))),
		)
		return
	}
	payload := string(data)
	l.metrics.IncReceived(l.cfg.BodyID)
	l.log.Info(ctx, "datagram received",
		logging.String("from", addrString(from)),
		logging.String("payload", payload),
	)
	if l.sink != nil {
		ev := model.Event{
			Time:    l.eventTime(),
			Type:    model.EventTelemetry,
			BodyID:  l.cfg.BodyID,
			Message: fmt.Sprintf("received from %s: %s", addrString(from), payload),
		}
		if err := l.sink.Append(ev); err != nil {
			l.log.Warn(ctx, "event log append failed", logging.Err(err))
		}
	}
	if l.handler != nil {
		l.handler(ctx, l.cfg.BodyID, payload, from)
	}
}

func (l *Listener) eventTime() time.Time {
	if l.clock != nil {
		return l.clock.Now()
	}
	return l.now()
}

func addrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}
