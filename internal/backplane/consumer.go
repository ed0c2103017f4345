package backplane

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/fanout"
	"switchboard/internal/logger"
	"switchboard/internal/metrics"
	"switchboard/internal/partition"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	StartOffsetLatest   = "latest"
	StartOffsetEarliest = "earliest"
)

var (
	ErrNotPrepared = errors.New("backplane consumer not prepared")
	ErrClosed      = errors.New("backplane consumer closed")
)

// FanOuter delivers one decoded message to live connections.
type FanOuter interface {
	FanOut(ctx context.Context, msg domain.BackplaneMessage) fanout.Result
}

type Config struct {
	Brokers        []string
	Topic          string
	PartitionCount int32
	ClientID       string
	StartOffset    string
	MaxPollRecords int
	TLS            TLSConfig
	Fetch          FetchConfig
	Backoff        BackoffConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// BackoffConfig bounds the wait after a poll that returned fetch errors.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

func (c *Config) withDefaults() {
	if c.StartOffset == "" {
		c.StartOffset = StartOffsetLatest
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = 500 * time.Millisecond
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = 100 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 5 * time.Second
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("backplane.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("backplane.topic is required")
	}
	if c.PartitionCount <= 0 {
		return errors.New("backplane.partition_count must be > 0")
	}
	switch c.StartOffset {
	case StartOffsetLatest, StartOffsetEarliest:
	default:
		return fmt.Errorf("unsupported start offset %q", c.StartOffset)
	}
	return nil
}

// fetcher is the subset of *kgo.Client the consumer drives.
type fetcher interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	AddConsumePartitions(partitions map[string]map[int32]kgo.Offset)
	RemoveConsumePartitions(partitions map[string][]int32)
	Close()
}

// Consumer reads the partitions of its current assignment and hands every
// record to fan-out, in order per partition. The assignment can be replaced
// at any time with Prepare.
type Consumer struct {
	cfg     Config
	fanout  FanOuter
	logger  *zap.Logger
	metrics *metrics.Metrics

	newClient func(partition.Range) (fetcher, error)

	prepareMu   sync.Mutex
	initialized atomic.Bool
	closed      atomic.Bool
	client      fetcher
	assignment  atomic.Pointer[partition.Range]
	ready       chan struct{}
}

func NewConsumer(cfg Config, fo FanOuter, log *zap.Logger, m *metrics.Metrics, opts ...kgo.Opt) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Consumer{
		cfg:     cfg,
		fanout:  fo,
		logger:  logger.OrNop(log).With(zap.String("topic", cfg.Topic)),
		metrics: metrics.OrNew(m),
		ready:   make(chan struct{}),
	}
	c.newClient = func(r partition.Range) (fetcher, error) { return c.dial(r, opts...) }
	return c, nil
}

func (c *Consumer) dial(r partition.Range, opts ...kgo.Opt) (fetcher, error) {
	kopts := []kgo.Opt{
		kgo.SeedBrokers(c.cfg.Brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{c.cfg.Topic: c.offsets(r.Partitions())}),
		kgo.FetchMaxWait(c.cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(c.cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(c.cfg.Fetch.MaxBytes),
	}
	if c.cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(c.cfg.ClientID))
	}
	if c.cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: c.cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return cl, nil
}

func (c *Consumer) offsets(partitions []int32) map[int32]kgo.Offset {
	start := kgo.NewOffset().AtEnd()
	if c.cfg.StartOffset == StartOffsetEarliest {
		start = kgo.NewOffset().AtStart()
	}
	out := make(map[int32]kgo.Offset, len(partitions))
	for _, p := range partitions {
		out[p] = start
	}
	return out
}

// Prepare sets the partitions this consumer owns. The first call opens the
// log client; later calls swap the assignment on the live client. Records
// already buffered for partitions outside r are dropped by Start.
func (c *Consumer) Prepare(r partition.Range) error {
	if err := r.Validate(c.cfg.PartitionCount); err != nil {
		return err
	}
	c.prepareMu.Lock()
	defer c.prepareMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	if c.initialized.CompareAndSwap(false, true) {
		cl, err := c.newClient(r)
		if err != nil {
			c.initialized.Store(false)
			return err
		}
		c.client = cl
		c.assignment.Store(&r)
		close(c.ready)
		c.logger.Info("backplane consumer prepared", zap.Stringer("range", r))
		return nil
	}

	prev := *c.assignment.Load()
	if prev == r {
		return nil
	}
	removed, added := partition.Diff(prev, r)
	c.assignment.Store(&r)
	if len(removed) > 0 {
		c.client.RemoveConsumePartitions(map[string][]int32{c.cfg.Topic: removed})
	}
	if len(added) > 0 {
		c.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{c.cfg.Topic: c.offsets(added)})
	}
	c.logger.Info("backplane assignment changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", r),
		zap.Int32s("removed", removed),
		zap.Int32s("added", added))
	return nil
}

// Assignment returns the current range.
func (c *Consumer) Assignment() (partition.Range, error) {
	r := c.assignment.Load()
	if r == nil {
		return partition.Range{}, ErrNotPrepared
	}
	return *r, nil
}

// Start blocks until ctx is done, reading records and fanning them out one
// at a time. It waits for the first Prepare before polling.
func (c *Consumer) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ready:
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.Backoff.Initial
	bo.MaxInterval = c.cfg.Backoff.Max
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.closed.Load() {
			return ErrClosed
		}
		fetches := c.client.PollRecords(ctx, c.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			return ErrClosed
		}

		failed := false
		fetches.EachError(func(topic string, p int32, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			failed = true
			c.metrics.FetchErrors.Inc()
			c.logger.Warn("backplane fetch error", zap.String("fetch_topic", topic), zap.Int32("partition", p), zap.Error(err))
		})

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				if ctx.Err() != nil {
					return
				}
				c.handle(ctx, rec)
			}
		})

		if !failed {
			bo.Reset()
			continue
		}
		wait := bo.NextBackOff()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) {
	if r := c.assignment.Load(); !r.Contains(rec.Partition) {
		c.metrics.ForeignRecords.Inc()
		return
	}
	msg, err := Decode(rec.Key, rec.Value)
	if err != nil {
		c.metrics.PoisonMessages.Inc()
		c.logger.Warn("skipping poison message",
			zap.String("record_topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err))
		return
	}
	ctx = propagator.Extract(ctx, headerCarrier{rec: rec})
	c.fanout.FanOut(ctx, msg)
	c.metrics.RecordsConsumed.Inc()
}

// Close shuts down the log client. Start returns ErrClosed afterwards.
func (c *Consumer) Close() {
	c.prepareMu.Lock()
	defer c.prepareMu.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.client != nil {
		c.client.Close()
	}
}
