package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"switchboard/internal/backplane"
	"switchboard/internal/config"
	"switchboard/internal/domain"
	"switchboard/internal/fanout"
	"switchboard/internal/gateway"
	"switchboard/internal/history"
	"switchboard/internal/history/rabbitmq"
	"switchboard/internal/history/sqlite"
	"switchboard/internal/idgen"
	"switchboard/internal/idservice"
	"switchboard/internal/logger"
	"switchboard/internal/metrics"
	"switchboard/internal/partition"
	"switchboard/internal/registry"
	"switchboard/internal/submit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgPath := flag.String("config", "switchboard.yaml", "path to config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "switchboardd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	// Loaded once for the logger; Watch below reloads and keeps watching.
	boot, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(boot.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("node_id", boot.Server.NodeID))

	ranges := make(chan partition.Range, 1)
	cfg, err := config.Watch(cfgPath, log, func(next config.Config) {
		select {
		case <-ranges:
		default:
		}
		ranges <- next.Backplane.Range
	})
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	gatherer, m := newMetrics(cfg.Metrics)

	gen, err := idgen.New(idgen.Config{
		WorkerID:               cfg.Server.WorkerID,
		MaxBatch:               cfg.IDGen.MaxBatch,
		MaxClockRegressionWait: cfg.IDGen.MaxClockRegressionWait,
		Logger:                 log.With(zap.String("component", "idgen")),
		Metrics:                m,
	})
	if err != nil {
		return err
	}

	reg := registry.New(log, m)
	defer reg.Close()
	engine := fanout.New(reg, log, m)

	store, appender, closeHistory, err := openHistory(ctx, cfg.History, log, m)
	if err != nil {
		return err
	}
	defer closeHistory()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.IDGen.Enabled {
		srv := idservice.NewServer(idservice.Config{
			Network:          cfg.IDGen.Network,
			Address:          cfg.IDGen.Address,
			AuthToken:        cfg.IDGen.AuthToken,
			MaxInflight:      cfg.IDGen.MaxInflight,
			GlobalQueueLimit: cfg.IDGen.GlobalQueueLimit,
		}, gen, log.With(zap.String("component", "idservice")))
		defer srv.Close()
		g.Go(func() error { return srv.Start(gctx) })
	}

	var ids submit.IDSource = submit.Local(gen)
	if cfg.Gateway.IDGenAddress != "" {
		client := idservice.NewClient(idservice.ClientConfig{
			Address:   cfg.Gateway.IDGenAddress,
			AuthToken: cfg.Gateway.IDGenAuthToken,
		}, log.With(zap.String("component", "idservice-client")))
		defer client.Close()
		ids = client
	}

	var publisher submit.Publisher = loopback{engine: engine}
	if cfg.Backplane.Enabled {
		producer, err := backplane.NewProducer(cfg.Backplane.Consumer(), log)
		if err != nil {
			return fmt.Errorf("backplane producer: %w", err)
		}
		defer producer.Close()
		publisher = producer

		consumer, err := backplane.NewConsumer(cfg.Backplane.Consumer(), engine, log, m)
		if err != nil {
			return fmt.Errorf("backplane consumer: %w", err)
		}
		defer consumer.Close()
		if err := consumer.Prepare(cfg.Backplane.Range); err != nil {
			return fmt.Errorf("backplane prepare: %w", err)
		}
		g.Go(func() error {
			if err := consumer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case r := <-ranges:
					if err := consumer.Prepare(r); err != nil {
						log.Error("partition reassignment rejected", zap.Stringer("range", r), zap.Error(err))
					}
				}
			}
		})
	} else {
		log.Warn("backplane disabled, delivering submits on this node only")
	}

	if cfg.Gateway.Enabled {
		submitter := submit.New(submit.Config{MaxPayload: cfg.Gateway.MaxPayload},
			submit.NewIDPool(ids, cfg.Gateway.IDBatch), publisher, appender, log)
		gw := gateway.New(cfg.Gateway.Config, gateway.Deps{
			Registry:  reg,
			Submitter: submitter,
			History:   readerOrNil(store),
			Gatherer:  gatherer,
			Metrics:   m,
			Logger:    log,
		})
		defer gw.Close()
		g.Go(func() error { return gw.Start(gctx) })
	}

	log.Info("switchboard started",
		zap.Int64("worker_id", cfg.Server.WorkerID),
		zap.Bool("backplane", cfg.Backplane.Enabled),
		zap.Stringer("range", cfg.Backplane.Range),
		zap.Bool("gateway", cfg.Gateway.Enabled),
		zap.Bool("idgen", cfg.IDGen.Enabled),
		zap.Bool("history", store != nil))

	err = g.Wait()
	log.Info("switchboard stopping", zap.Error(err))
	return err
}

func newMetrics(cfg config.MetricsConfig) (prometheus.Gatherer, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	if !cfg.Enabled {
		return reg, metrics.New(nil)
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, metrics.New(reg)
}

// openHistory returns the store serving reads and the appender the submit
// path writes to. With RabbitMQ enabled the appender publishes and a
// materializer feeds the store; otherwise the store is written directly.
func openHistory(ctx context.Context, cfg config.HistoryConfig, log *zap.Logger, m *metrics.Metrics) (*sqlite.Store, history.Appender, func(), error) {
	if cfg.SQLiteDir == "" {
		return nil, nil, func() {}, nil
	}
	store, err := sqlite.NewStore(cfg.SQLiteDir, cfg.Buckets)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("history store: %w", err)
	}
	if !cfg.RabbitMQ.Enabled {
		return store, store, func() { _ = store.Close() }, nil
	}

	mat, err := rabbitmq.NewMaterializer(cfg.RabbitMQ, store, log, m)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	if err := mat.Start(ctx); err != nil {
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("history materializer: %w", err)
	}
	pub, err := rabbitmq.NewPublisher(cfg.RabbitMQ, log, m)
	if err != nil {
		_ = mat.Close()
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("history publisher: %w", err)
	}
	closeAll := func() {
		_ = pub.Close()
		_ = mat.Close()
		_ = store.Close()
	}
	return store, pub, closeAll, nil
}

func readerOrNil(s *sqlite.Store) history.Reader {
	if s == nil {
		return nil
	}
	return s
}

// loopback stands in for the backplane on a single node: a submitted
// message is fanned out in-process.
type loopback struct {
	engine *fanout.Engine
}

func (l loopback) Publish(ctx context.Context, msg domain.BackplaneMessage) error {
	l.engine.FanOut(ctx, msg)
	return nil
}
