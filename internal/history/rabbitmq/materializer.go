package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"switchboard/internal/domain"
	"switchboard/internal/history"
	"switchboard/internal/logger"
	"switchboard/internal/metrics"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var errMalformed = errors.New("malformed history delivery")

// Materializer consumes published history rows and appends them to the
// store. Deliveries are acked only after the row is stored.
type Materializer struct {
	cfg     Config
	store   history.Appender
	logger  *zap.Logger
	metrics *metrics.Metrics

	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func NewMaterializer(cfg Config, store history.Appender, log *zap.Logger, m *metrics.Metrics) (*Materializer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = DefaultConsumerTag
	}
	return &Materializer{
		cfg:     cfg,
		store:   store,
		logger:  logger.OrNop(log).With(zap.String("component", "history-materializer")),
		metrics: metrics.OrNew(m),
		closed:  make(chan struct{}),
		ops:     make(chan deliveryTask, cfg.DeliveryQueue),
	}, nil
}

func (a *Materializer) Start(ctx context.Context) error {
	conn, ch, err := dial(a.cfg)
	if err != nil {
		return err
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(a.cfg.Queue, a.cfg.RoutingKey, a.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("bind queue key=%s: %w", a.cfg.RoutingKey, err)
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	a.logger.Info("history materializer started",
		zap.String("queue", a.cfg.Queue),
		zap.Int("workers", a.cfg.Workers))
	return nil
}

func (a *Materializer) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(closeResult).error
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(closeResult{err})
	return err
}

// closeResult lets a nil error be stored in an atomic.Value.
type closeResult struct{ error }

func (a *Materializer) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				select {
				case <-a.closed:
				default:
					a.logger.Error("history delivery channel closed by broker")
				}
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Materializer) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task := <-a.ops:
			a.processDelivery(task.ctx, task.delivery)
		}
	}
}

func (a *Materializer) processDelivery(ctx context.Context, d amqp091.Delivery) {
	msg, err := parseDelivery(d)
	if err != nil {
		a.metrics.HistoryFailures.WithLabelValues("decode").Inc()
		a.logger.Warn("dropping malformed history delivery",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := a.store.Append(ctx, msg); err != nil {
		a.metrics.HistoryFailures.WithLabelValues("append").Inc()
		requeue := isRetryable(err)
		a.logger.Warn("history append failed",
			zap.Int64("message_id", msg.MessageID),
			zap.Bool("requeue", requeue),
			zap.Error(err))
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

func parseDelivery(d amqp091.Delivery) (domain.HistoryMessage, error) {
	var msg domain.HistoryMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return domain.HistoryMessage{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if msg.MessageID <= 0 {
		return domain.HistoryMessage{}, fmt.Errorf("%w: message_id is required", errMalformed)
	}
	if msg.SenderID == 0 || msg.ReceiverID == 0 {
		return domain.HistoryMessage{}, fmt.Errorf("%w: sender_id and receiver_id are required", errMalformed)
	}
	if msg.ChatID == 0 {
		msg.ChatID = history.ChatID(msg.SenderID, msg.ReceiverID)
	}
	return msg, nil
}

// isRetryable reports whether a failed append should be redelivered. Rows
// the store refuses outright would fail the same way again.
func isRetryable(err error) bool {
	return !errors.Is(err, history.ErrInvalidQuery)
}
