// Package comms carries alert and telemetry messages between bodies as
// prioritised, best-effort datagrams.
package comms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/signalsfoundry/conjunction-monitor/internal/logging"
	"github.com/signalsfoundry/conjunction-monitor/internal/observability"
	"github.com/signalsfoundry/conjunction-monitor/model"
)

// MaxDatagramSize is the largest payload a listener will read in full.
const MaxDatagramSize = 1024

var (
	// ErrTransmit wraps transport failures. The message is dropped.
	ErrTransmit = errors.New("transmit failed")
	// ErrPayloadTooLarge is returned by Enqueue for payloads over MaxDatagramSize.
	ErrPayloadTooLarge = errors.New("payload exceeds datagram size")
)

// DispatchMetrics receives dispatcher counters.
type DispatchMetrics interface {
	SetQueueDepth(n int)
	IncSent(priority int)
	IncDropped(priority int)
}

type noopDispatchMetrics struct{}

func (noopDispatchMetrics) SetQueueDepth(int) {}
func (noopDispatchMetrics) IncSent(int)       {}
func (noopDispatchMetrics) IncDropped(int)    {}

// Dispatcher queues outbound messages and sends them one at a time, most
// urgent first.
type Dispatcher struct {
	queue     *PriorityQueue
	transport Transport
	limiter   *rate.Limiter
	metrics   DispatchMetrics
	log       logging.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRateLimit paces sends to perSecond messages per second. Zero or a
// negative value leaves sending unpaced.
func WithRateLimit(perSecond float64) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithDispatchMetrics sets the metrics sink.
func WithDispatchMetrics(m DispatchMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(log logging.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithDispatchTracer overrides the tracer used for per-send spans.
func WithDispatchTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// NewDispatcher builds a dispatcher sending through transport.
func NewDispatcher(transport Transport, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:     NewPriorityQueue(),
		transport: transport,
		metrics:   noopDispatchMetrics{},
		log:       logging.Noop(),
		tracer:    observability.Tracer(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue queues payload for dst. It never blocks on the network.
func (d *Dispatcher) Enqueue(priority int, payload string, dst model.Address) (model.Message, error) {
	if len(payload) > MaxDatagramSize {
		return model.Message{}, fmt.Errorf("%w: %d bytes to %s", ErrPayloadTooLarge, len(payload), dst)
	}
	msg := d.queue.Push(model.Message{
		ID:          uuid.NewString(),
		Priority:    priority,
		Payload:     payload,
		Destination: dst,
		EnqueuedAt:  d.now(),
	})
	d.metrics.SetQueueDepth(d.queue.Len())
	return msg, nil
}

// Len reports the number of messages waiting to be sent.
func (d *Dispatcher) Len() int { return d.queue.Len() }

// Run sends queued messages until ctx is done. Transmit failures are logged
// and the message is dropped. Run returns ctx.Err().
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info(ctx, "dispatcher started")
	defer d.log.Info(ctx, "dispatcher stopped")
	for {
		msg, err := d.queue.Pop(ctx)
		if err != nil {
			return err
		}
		d.metrics.SetQueueDepth(d.queue.Len())
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
		}
		if err := d.send(ctx, msg); err != nil {
			d.log.Warn(ctx, "message dropped",
				logging.String("message_id", msg.ID),
				logging.Int("priority", msg.Priority),
				logging.Err(err),
			)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, msg model.Message) error {
	_, span := d.tracer.Start(ctx, "dispatcher.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.Int("message.priority", msg.Priority),
			attribute.String("net.peer.addr", msg.Destination.String()),
		),
	)
	defer span.End()

	if err := d.transport.Send([]byte(msg.Payload), msg.Destination); err != nil {
		d.metrics.IncDropped(msg.Priority)
		err = fmt.Errorf("%w: message %s to %s: %v", ErrTransmit, msg.ID, msg.Destination, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transmit failed")
		return err
	}
	d.metrics.IncSent(msg.Priority)
	d.log.Debug(ctx, "message sent",
		logging.String("message_id", msg.ID),
		logging.Int("priority", msg.Priority),
		logging.String("destination", msg.Destination.String()),
	)
	return nil
}
