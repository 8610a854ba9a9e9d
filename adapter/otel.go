package adapter

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/pkg/socket"
)

const instrumentationName = "github.com/srediag/plugin-socket"

// OTelObserver records socket events as OpenTelemetry metrics and opens one
// span per connection attempt, from host lookup until connected or failed.
type OTelObserver struct {
	tracer          trace.Tracer
	transitions     metric.Int64Counter
	errors          metric.Int64Counter
	bytesWritten    metric.Int64Counter
	connectDuration metric.Float64Histogram

	mu    sync.Mutex
	spans map[*socket.Socket]*attemptSpan
}

type attemptSpan struct {
	span  trace.Span
	start time.Time
}

var _ socket.Observer = (*OTelObserver)(nil)

// NewOTelObserver creates the instruments. nil providers use the global
// ones.
func NewOTelObserver(mp metric.MeterProvider, tp trace.TracerProvider) (*OTelObserver, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)
	o := &OTelObserver{
		tracer: tp.Tracer(instrumentationName),
		spans:  make(map[*socket.Socket]*attemptSpan),
	}
	var err error
	if o.transitions, err = meter.Int64Counter("socket.state_transitions",
		metric.WithDescription("Socket state changes by new state.")); err != nil {
		return nil, err
	}
	if o.errors, err = meter.Int64Counter("socket.errors",
		metric.WithDescription("Socket errors by kind.")); err != nil {
		return nil, err
	}
	if o.bytesWritten, err = meter.Int64Counter("socket.bytes_written",
		metric.WithDescription("Bytes handed to the network."),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if o.connectDuration, err = meter.Float64Histogram("socket.connect.duration",
		metric.WithDescription("Time from host lookup to connected."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *OTelObserver) StateChanged(s *socket.Socket, state api.SocketState) {
	o.transitions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("state", state.String())))
	switch state {
	case api.HostLookupState:
		o.begin(s)
	case api.UnconnectedState:
		var err *api.Error
		errors.As(s.Err(), &err)
		o.finish(s, err)
	}
}

func (o *OTelObserver) HostFound(s *socket.Socket) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.spans[s]; ok {
		a.span.AddEvent("host found")
	}
}

func (o *OTelObserver) Connected(s *socket.Socket) {
	o.mu.Lock()
	a, ok := o.spans[s]
	o.mu.Unlock()
	if ok {
		o.connectDuration.Record(context.Background(), time.Since(a.start).Seconds())
		a.span.SetAttributes(
			attribute.String("net.peer.ip", s.PeerAddr().String()),
			attribute.String("net.sock.host.port", strconv.Itoa(int(s.LocalPort()))),
		)
	}
	o.finish(s, nil)
}

func (o *OTelObserver) Disconnected(*socket.Socket) {}

func (o *OTelObserver) Error(s *socket.Socket, err *api.Error) {
	o.errors.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", err.Kind.String())))
	o.finish(s, err)
}

func (o *OTelObserver) ReadyRead(*socket.Socket) {}

func (o *OTelObserver) BytesWritten(_ *socket.Socket, n int64) {
	o.bytesWritten.Add(context.Background(), n)
}

func (o *OTelObserver) ReadChannelFinished(*socket.Socket) {}

func (o *OTelObserver) begin(s *socket.Socket) {
	_, span := o.tracer.Start(context.Background(), "socket.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("socket.id", s.ID()),
			attribute.String("net.peer.name", s.PeerName()),
		))
	o.mu.Lock()
	if prev, ok := o.spans[s]; ok {
		prev.span.End()
	}
	o.spans[s] = &attemptSpan{span: span, start: time.Now()}
	o.mu.Unlock()
}

// finish ends the open span of s, if any. A nil err marks it successful
// only when the socket got connected.
func (o *OTelObserver) finish(s *socket.Socket, err *api.Error) {
	o.mu.Lock()
	a, ok := o.spans[s]
	delete(o.spans, s)
	o.mu.Unlock()
	if !ok {
		return
	}
	switch {
	case err != nil:
		a.span.RecordError(err)
		a.span.SetStatus(codes.Error, err.Error())
	case s.State() == api.ConnectedState:
		a.span.SetStatus(codes.Ok, "")
	default:
		a.span.SetStatus(codes.Error, "connection attempt abandoned")
	}
	a.span.End()
}

// Pending returns the number of connection attempts with an open span.
func (o *OTelObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.spans)
}
