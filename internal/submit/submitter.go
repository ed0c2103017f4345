package submit

import (
	"context"
	"errors"
	"fmt"

	"switchboard/internal/domain"
	"switchboard/internal/history"
	"switchboard/internal/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const DefaultMaxPayload = 64 << 10

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Publisher appends a message to the backplane log.
type Publisher interface {
	Publish(ctx context.Context, msg domain.BackplaneMessage) error
}

type Config struct {
	MaxPayload int
}

type Submitter struct {
	ids        *IDPool
	producer   Publisher
	history    history.Appender
	maxPayload int
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New wires the submit path. hist may be nil when history is disabled.
func New(cfg Config, ids *IDPool, producer Publisher, hist history.Appender, log *zap.Logger) *Submitter {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	return &Submitter{
		ids:        ids,
		producer:   producer,
		history:    hist,
		maxPayload: cfg.MaxPayload,
		logger:     logger.OrNop(log).With(zap.String("component", "submit")),
		tracer:     otel.Tracer("switchboard/submit"),
	}
}

// Submit stamps payload with a message id and appends it to the backplane.
// The message is durable once Submit returns nil; delivery to live
// connections and the history append happen asynchronously.
func (s *Submitter) Submit(ctx context.Context, sender, receiver domain.ClientID, payload []byte) (int64, error) {
	if sender == 0 || receiver == 0 {
		return 0, fmt.Errorf("%w: sender and receiver are required", ErrInvalidMessage)
	}
	if len(payload) > s.maxPayload {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), s.maxPayload)
	}

	ctx, span := s.tracer.Start(ctx, "submit", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	id, err := s.ids.Next(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "id")
		return 0, err
	}
	span.SetAttributes(attribute.Int64("message.id", id))

	msg := domain.BackplaneMessage{MessageID: id, SenderID: sender, ReceiverID: receiver, Payload: payload}
	if err := s.producer.Publish(ctx, msg); err != nil {
		span.SetStatus(codes.Error, "publish")
		return 0, err
	}

	if s.history != nil {
		if err := s.history.Append(ctx, history.FromBackplane(msg)); err != nil {
			s.log(ctx).Warn("history append failed",
				zap.Int64("message_id", id),
				zap.Error(err))
		}
	}
	return id, nil
}

// log prefers the caller's logger from ctx so entries carry its fields.
func (s *Submitter) log(ctx context.Context) *zap.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}
