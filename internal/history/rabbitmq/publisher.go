package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/history"
	"switchboard/internal/logger"
	"switchboard/internal/metrics"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// Publisher hands history rows to the materializer through the exchange. It
// never fails the caller: a lost publish is logged and counted, and delivery
// to live connections is unaffected.
type Publisher struct {
	exchange   string
	routingKey string
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	publish func(ctx context.Context, p amqp091.Publishing) error
	close   func() error
}

var _ history.Appender = (*Publisher)(nil)

func NewPublisher(cfg Config, log *zap.Logger, m *metrics.Metrics) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, ch, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	p := newPublisher(cfg, log, m)
	p.publish = func(ctx context.Context, msg amqp091.Publishing) error {
		return ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, msg)
	}
	p.close = func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	return p, nil
}

func newPublisher(cfg Config, log *zap.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger.OrNop(log).With(zap.String("component", "history-publisher")),
		metrics:    metrics.OrNew(m),
	}
}

// Append always returns nil.
func (p *Publisher) Append(ctx context.Context, msg domain.HistoryMessage) error {
	if err := p.send(ctx, msg); err != nil {
		p.metrics.HistoryFailures.WithLabelValues("publish").Inc()
		p.logger.Warn("history publish failed",
			zap.Int64("message_id", msg.MessageID),
			zap.Error(err))
	}
	return nil
}

func (p *Publisher) send(ctx context.Context, msg domain.HistoryMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal history message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publish == nil {
		return fmt.Errorf("publisher closed")
	}
	return p.publish(ctx, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    fmt.Sprint(msg.MessageID),
		Timestamp:    time.UnixMilli(msg.CreatedAtMs).UTC(),
		Body:         body,
	})
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish = nil
	if p.close == nil {
		return nil
	}
	err := p.close()
	p.close = nil
	return err
}
