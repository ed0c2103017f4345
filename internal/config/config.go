package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"switchboard/internal/backplane"
	"switchboard/internal/gateway"
	"switchboard/internal/history/rabbitmq"
	"switchboard/internal/idgen"
	"switchboard/internal/logger"
	"switchboard/internal/partition"
	"switchboard/internal/submit"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "switchboard"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       logger.Config   `mapstructure:"log"`
	Backplane BackplaneConfig `mapstructure:"backplane"`
	IDGen     IDGenConfig     `mapstructure:"idgen"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	History   HistoryConfig   `mapstructure:"history"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
	// WorkerID is assigned externally and must be unique among running
	// generators.
	WorkerID int64 `mapstructure:"worker_id"`
}

type BackplaneConfig struct {
	Enabled        bool            `mapstructure:"enabled"`
	Brokers        []string        `mapstructure:"brokers"`
	Topic          string          `mapstructure:"topic"`
	PartitionCount int32           `mapstructure:"partition_count"`
	Range          partition.Range `mapstructure:"range"`
	ClientID       string          `mapstructure:"client_id"`
	StartOffset    string          `mapstructure:"start_offset"`
	MaxPollRecords int             `mapstructure:"max_poll_records"`
	TLS            TLSConfig       `mapstructure:"tls"`
	Fetch          FetchConfig     `mapstructure:"fetch"`
}

type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type FetchConfig struct {
	MinBytes int32         `mapstructure:"min_bytes"`
	MaxBytes int32         `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// IDGenConfig controls the id service this node serves.
type IDGenConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	Network                string        `mapstructure:"network"`
	Address                string        `mapstructure:"address"`
	AuthToken              string        `mapstructure:"auth_token"`
	MaxBatch               int           `mapstructure:"max_batch"`
	MaxClockRegressionWait time.Duration `mapstructure:"max_clock_regression_wait"`
	MaxInflight            int           `mapstructure:"max_inflight"`
	GlobalQueueLimit       int           `mapstructure:"global_queue_limit"`
}

type GatewayConfig struct {
	gateway.Config `mapstructure:",squash"`
	// IDGenAddress points the submit path at a remote id service. Empty
	// uses an in-process generator with server.worker_id.
	IDGenAddress   string `mapstructure:"idgen_address"`
	IDGenAuthToken string `mapstructure:"idgen_auth_token"`
	IDBatch        int    `mapstructure:"id_batch"`
	MaxPayload     int    `mapstructure:"max_payload"`
}

type HistoryConfig struct {
	// SQLiteDir enables the history store. Empty disables history.
	SQLiteDir string          `mapstructure:"sqlite_dir"`
	Buckets   int             `mapstructure:"buckets"`
	RabbitMQ  rabbitmq.Config `mapstructure:"rabbitmq"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Load(path string) (Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}
	return decode(v)
}

// Watch loads path and calls onChange with every later valid revision of
// the file. Revisions that fail to decode or validate are logged and
// skipped.
func Watch(path string, log *zap.Logger, onChange func(Config)) (Config, error) {
	log = logger.OrNop(log)
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			log.Warn("ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		log.Info("config changed", zap.String("file", e.Name), zap.Stringer("op", e.Op))
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", "")
	v.SetDefault("server.worker_id", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("backplane.enabled", true)
	v.SetDefault("backplane.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("backplane.topic", "switchboard.messages")
	v.SetDefault("backplane.partition_count", 0)
	v.SetDefault("backplane.range.lower", 0)
	v.SetDefault("backplane.range.upper", 0)
	v.SetDefault("backplane.client_id", "switchboard")
	v.SetDefault("backplane.start_offset", backplane.StartOffsetLatest)
	v.SetDefault("backplane.max_poll_records", 500)
	v.SetDefault("backplane.tls.enabled", false)
	v.SetDefault("backplane.tls.insecure_skip_verify", false)
	v.SetDefault("backplane.fetch.min_bytes", 1)
	v.SetDefault("backplane.fetch.max_bytes", 50<<20)
	v.SetDefault("backplane.fetch.max_wait", 500*time.Millisecond)

	v.SetDefault("idgen.enabled", false)
	v.SetDefault("idgen.network", "tcp")
	v.SetDefault("idgen.address", "127.0.0.1:7400")
	v.SetDefault("idgen.auth_token", "")
	v.SetDefault("idgen.max_batch", idgen.DefaultMaxBatch)
	v.SetDefault("idgen.max_clock_regression_wait", idgen.DefaultMaxClockRegressionWait)
	v.SetDefault("idgen.max_inflight", 64)
	v.SetDefault("idgen.global_queue_limit", 4096)

	gw := gateway.NewConfig()
	v.SetDefault("gateway.enabled", gw.Enabled)
	v.SetDefault("gateway.address", gw.Address)
	v.SetDefault("gateway.queue_capacity", 256)
	v.SetDefault("gateway.write_timeout", gw.WriteTimeout)
	v.SetDefault("gateway.ping_interval", gw.PingInterval)
	v.SetDefault("gateway.max_message_size", gw.MaxMessageSize)
	v.SetDefault("gateway.allowed_origins", []string{})
	v.SetDefault("gateway.idgen_address", "")
	v.SetDefault("gateway.idgen_auth_token", "")
	v.SetDefault("gateway.id_batch", 64)
	v.SetDefault("gateway.max_payload", 64<<10)

	rmq := rabbitmq.NewConfig()
	v.SetDefault("history.sqlite_dir", "")
	v.SetDefault("history.buckets", 16)
	v.SetDefault("history.rabbitmq.enabled", false)
	v.SetDefault("history.rabbitmq.url", rmq.URL)
	v.SetDefault("history.rabbitmq.exchange", rmq.Exchange)
	v.SetDefault("history.rabbitmq.queue", rmq.Queue)
	v.SetDefault("history.rabbitmq.routing_key", rmq.RoutingKey)
	v.SetDefault("history.rabbitmq.consumer_tag", rmq.ConsumerTag)
	v.SetDefault("history.rabbitmq.prefetch_count", rmq.PrefetchCount)
	v.SetDefault("history.rabbitmq.workers", rmq.Workers)
	v.SetDefault("history.rabbitmq.delivery_queue", rmq.DeliveryQueue)

	v.SetDefault("metrics.enabled", true)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.WorkerID < 0 || c.Server.WorkerID > idgen.MaxWorkerID {
		return fmt.Errorf("server.worker_id must be between 0 and %d", idgen.MaxWorkerID)
	}
	if err := c.Backplane.Validate(); err != nil {
		return err
	}
	if err := c.IDGen.Validate(); err != nil {
		return err
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if c.Gateway.Enabled && c.Gateway.IDGenAddress == "" {
		// The local generator refuses requests above its max batch.
		batch, maxBatch := c.Gateway.IDBatch, c.IDGen.MaxBatch
		if batch <= 0 {
			batch = submit.DefaultBatch
		}
		if maxBatch <= 0 {
			maxBatch = idgen.DefaultMaxBatch
		}
		if batch > maxBatch {
			return fmt.Errorf("gateway.id_batch %d exceeds idgen.max_batch %d", batch, maxBatch)
		}
	}
	if err := c.History.RabbitMQ.Validate(); err != nil {
		return err
	}
	if c.History.RabbitMQ.Enabled && c.History.SQLiteDir == "" {
		return fmt.Errorf("history.rabbitmq requires history.sqlite_dir")
	}
	return nil
}

func (c BackplaneConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("backplane.brokers is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("backplane.topic is required")
	}
	if c.PartitionCount <= 0 {
		return fmt.Errorf("backplane.partition_count must be > 0")
	}
	if err := c.Range.Validate(c.PartitionCount); err != nil {
		return fmt.Errorf("backplane.range: %w", err)
	}
	switch c.StartOffset {
	case backplane.StartOffsetLatest, backplane.StartOffsetEarliest:
	default:
		return fmt.Errorf("backplane.start_offset must be %q or %q", backplane.StartOffsetLatest, backplane.StartOffsetEarliest)
	}
	return nil
}

// Consumer maps the section onto the log client settings.
func (c BackplaneConfig) Consumer() backplane.Config {
	return backplane.Config{
		Brokers:        c.Brokers,
		Topic:          c.Topic,
		PartitionCount: c.PartitionCount,
		ClientID:       c.ClientID,
		StartOffset:    c.StartOffset,
		MaxPollRecords: c.MaxPollRecords,
		TLS:            backplane.TLSConfig{Enabled: c.TLS.Enabled, InsecureSkipVerify: c.TLS.InsecureSkipVerify},
		Fetch:          backplane.FetchConfig{MinBytes: c.Fetch.MinBytes, MaxBytes: c.Fetch.MaxBytes, MaxWait: c.Fetch.MaxWait},
	}
}

func (c IDGenConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Address == "" {
		return fmt.Errorf("idgen.address is required")
	}
	if c.MaxBatch < 1 {
		return fmt.Errorf("idgen.max_batch must be >= 1")
	}
	if c.MaxInflight < 1 || c.GlobalQueueLimit < 1 {
		return errors.New("idgen.max_inflight and idgen.global_queue_limit must be >= 1")
	}
	return nil
}

func (c GatewayConfig) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.IDBatch < 0 || c.MaxPayload < 0 {
		return fmt.Errorf("gateway.id_batch and gateway.max_payload must be >= 0")
	}
	return nil
}
