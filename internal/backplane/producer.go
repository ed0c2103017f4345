package backplane

import (
	"context"
	"crypto/tls"
	"fmt"

	"switchboard/internal/domain"
	"switchboard/internal/logger"
	"switchboard/internal/partition"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer appends messages to the backplane, keyed and partitioned by
// receiver.
type Producer struct {
	topic      string
	partitions int32
	logger     *zap.Logger

	produce func(context.Context, *kgo.Record) error
	close   func()
}

func NewProducer(cfg Config, log *zap.Logger, opts ...kgo.Opt) (*Producer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	p := &Producer{
		topic:      cfg.Topic,
		partitions: cfg.PartitionCount,
		logger:     logger.OrNop(log),
		close:      cl.Close,
	}
	p.produce = func(ctx context.Context, rec *kgo.Record) error {
		return cl.ProduceSync(ctx, rec).FirstErr()
	}
	return p, nil
}

// Publish appends msg and waits for the broker to acknowledge it. The
// trace context of ctx is written to the record headers.
func (p *Producer) Publish(ctx context.Context, msg domain.BackplaneMessage) error {
	key, value, err := Encode(msg)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic:     p.topic,
		Key:       key,
		Value:     value,
		Partition: partition.ForReceiver(int64(msg.ReceiverID), p.partitions),
	}
	propagator.Inject(ctx, headerCarrier{rec: rec})
	if err := p.produce(ctx, rec); err != nil {
		return fmt.Errorf("produce message %d: %w", msg.MessageID, err)
	}
	p.logger.Debug("message published",
		zap.Int64("message_id", msg.MessageID),
		zap.Int32("partition", rec.Partition))
	return nil
}

func (p *Producer) Close() {
	if p.close != nil {
		p.close()
	}
}
