package backplane

import (
	"context"
	"fmt"
	"testing"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/fanout"
	"switchboard/internal/outbound"
	"switchboard/internal/partition"
	"switchboard/internal/registry"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func runRedpanda(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"19092:19092/tcp"},
		Cmd: []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M",
			"--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:19092", "--advertise-kafka-addr", "127.0.0.1:19092"},
		WaitingFor: wait.ForLog("Successfully started Redpanda").WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("redpanda container unavailable: %v", err)
	}
	return "127.0.0.1:19092", func() { _ = c.Terminate(ctx) }
}

func createTopic(t *testing.T, broker, topic string, partitions int32) {
	t.Helper()
	cl, err := kgo.NewClient(kgo.SeedBrokers(broker))
	if err != nil {
		t.Fatalf("admin client: %v", err)
	}
	defer cl.Close()

	req := kmsg.NewPtrCreateTopicsRequest()
	rt := kmsg.NewCreateTopicsRequestTopic()
	rt.Topic = topic
	rt.NumPartitions = partitions
	rt.ReplicationFactor = 1
	req.Topics = append(req.Topics, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := req.RequestWith(ctx, cl)
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	for _, tr := range resp.Topics {
		if tr.ErrorCode != 0 {
			t.Fatalf("create topic %s: error code %d", tr.Topic, tr.ErrorCode)
		}
	}
}

func TestBackplaneDeliversToLiveConnections(t *testing.T) {
	broker, cleanup := runRedpanda(t)
	defer cleanup()
	const topic, partitions = "switchboard-it", int32(4)
	createTopic(t, broker, topic, partitions)

	cfg := Config{Brokers: []string{broker}, Topic: topic, PartitionCount: partitions, StartOffset: StartOffsetEarliest}
	reg := registry.New(nil, nil)
	conn := registry.NewConnection(42, outbound.New(outbound.Config{Capacity: 16}))
	reg.Add(42, conn)

	consumer, err := NewConsumer(cfg, fanout.New(reg, nil, nil), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer consumer.Close()
	if err := consumer.Prepare(partition.Range{Lower: 0, Upper: partitions - 1}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() { _ = consumer.Start(ctx) }()

	producer, err := NewProducer(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer producer.Close()
	for i := int64(1); i <= 3; i++ {
		msg := domain.BackplaneMessage{MessageID: i, SenderID: 7, ReceiverID: 42, Payload: []byte(fmt.Sprintf("m%d", i))}
		if err := producer.Publish(ctx, msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var got []int64
	drainCtx, stop := context.WithCancel(ctx)
	defer stop()
	_ = conn.Queue().Drain(drainCtx, outbound.WriterFunc(func(_ context.Context, n domain.Notification) error {
		got = append(got, n.MessageID)
		if len(got) == 3 {
			stop()
		}
		return nil
	}))
	if len(got) != 3 {
		t.Fatalf("received %v before timeout", got)
	}
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("per-receiver order broken: %v", got)
		}
	}
}
