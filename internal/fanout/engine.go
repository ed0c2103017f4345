package fanout

import (
	"context"

	"switchboard/internal/domain"
	"switchboard/internal/logger"
	"switchboard/internal/metrics"
	"switchboard/internal/registry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "switchboard/fanout"

// Enumerator resolves the live handles of a client.
type Enumerator interface {
	Enumerate(clientID domain.ClientID) []registry.Handle
}

// Result counts the handles a message was offered to (All) and how many
// accepted it (Success).
type Result struct {
	Success int
	All     int
}

type Engine struct {
	clients Enumerator
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func New(clients Enumerator, log *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		clients: clients,
		logger:  logger.OrNop(log),
		metrics: metrics.OrNew(m),
		tracer:  otel.Tracer(tracerName),
	}
}

// FanOut enqueues msg on every handle of the receiver except handles that
// belong to the sender. A failed enqueue never stops the others.
func (e *Engine) FanOut(ctx context.Context, msg domain.BackplaneMessage) Result {
	ctx, span := e.tracer.Start(ctx, "fanout",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int64("message.id", msg.MessageID),
			attribute.Int64("message.receiver_id", int64(msg.ReceiverID)),
		))
	defer span.End()

	n := domain.NotificationFor(msg)
	var res Result
	for _, h := range e.clients.Enumerate(msg.ReceiverID) {
		if h.ClientID() == msg.SenderID {
			continue
		}
		res.All++
		if h.Enqueue(ctx, n) {
			res.Success++
			e.metrics.FanoutDeliveries.WithLabelValues("success").Inc()
		} else {
			e.metrics.FanoutDeliveries.WithLabelValues("failed").Inc()
		}
	}
	span.SetAttributes(attribute.Int("fanout.all", res.All), attribute.Int("fanout.success", res.Success))

	switch {
	case res.All == 0:
		e.metrics.FanoutMessages.WithLabelValues("no_receivers").Inc()
	case res.Success < res.All:
		e.metrics.FanoutMessages.WithLabelValues("partial").Inc()
		e.logger.Warn("partial fan-out",
			zap.Int64("message_id", msg.MessageID),
			zap.Int("success", res.Success),
			zap.Int("all", res.All))
	default:
		e.metrics.FanoutMessages.WithLabelValues("complete").Inc()
		e.logger.Debug("fan-out complete",
			zap.Int64("message_id", msg.MessageID),
			zap.Int("all", res.All))
	}
	return res
}
