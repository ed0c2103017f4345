package backplane

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/fanout"
	"switchboard/internal/metrics"
	"switchboard/internal/partition"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
)

const testTopic = "backplane"

// fakeFetcher stands in for the kafka client. Tests push fetches through
// batches; the consumed partition set tracks Add and Remove calls.
type fakeFetcher struct {
	mu       sync.Mutex
	consumed map[int32]bool
	batches  chan kgo.Fetches
	closed   bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{consumed: map[int32]bool{}, batches: make(chan kgo.Fetches, 16)}
}

func (f *fakeFetcher) PollRecords(ctx context.Context, _ int) kgo.Fetches {
	select {
	case <-ctx.Done():
		return kgo.Fetches{}
	case fs := <-f.batches:
		return fs
	}
}

func (f *fakeFetcher) AddConsumePartitions(parts map[string]map[int32]kgo.Offset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range parts[testTopic] {
		f.consumed[p] = true
	}
}

func (f *fakeFetcher) RemoveConsumePartitions(parts map[string][]int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range parts[testTopic] {
		delete(f.consumed, p)
	}
}

func (f *fakeFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeFetcher) partitions() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int32, 0, len(f.consumed))
	for p := range f.consumed {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type delivered struct {
	ctx context.Context
	msg domain.BackplaneMessage
}

type recordingFanOut struct {
	out     chan delivered
	entered chan struct{}
	gate    chan struct{}
}

func (r *recordingFanOut) FanOut(ctx context.Context, msg domain.BackplaneMessage) fanout.Result {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.gate != nil {
		<-r.gate
	}
	r.out <- delivered{ctx: ctx, msg: msg}
	return fanout.Result{}
}

func record(t *testing.T, p int32, id int64) *kgo.Record {
	t.Helper()
	key, value, err := Encode(domain.BackplaneMessage{MessageID: id, SenderID: 1, ReceiverID: domain.ClientID(id)})
	if err != nil {
		t.Fatal(err)
	}
	return &kgo.Record{Topic: testTopic, Partition: p, Key: key, Value: value}
}

func fetchesOf(recs ...*kgo.Record) kgo.Fetches {
	var parts []kgo.FetchPartition
	for _, rec := range recs {
		if n := len(parts); n > 0 && parts[n-1].Partition == rec.Partition {
			parts[n-1].Records = append(parts[n-1].Records, rec)
			continue
		}
		parts = append(parts, kgo.FetchPartition{Partition: rec.Partition, Records: []*kgo.Record{rec}})
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: testTopic, Partitions: parts}}}}
}

func newTestConsumer(t *testing.T, fo FanOuter, m *metrics.Metrics) (*Consumer, *fakeFetcher) {
	t.Helper()
	c, err := NewConsumer(Config{
		Brokers:        []string{"127.0.0.1:9092"},
		Topic:          testTopic,
		PartitionCount: 8,
		Backoff:        BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}, fo, nil, m)
	if err != nil {
		t.Fatal(err)
	}
	ff := newFakeFetcher()
	c.newClient = func(r partition.Range) (fetcher, error) {
		ff.AddConsumePartitions(map[string]map[int32]kgo.Offset{testTopic: c.offsets(r.Partitions())})
		return ff, nil
	}
	return c, ff
}

func receive(t *testing.T, out <-chan delivered, n int) []delivered {
	t.Helper()
	var got []delivered
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case d := <-out:
			got = append(got, d)
		case <-timeout:
			t.Fatalf("received %d of %d messages", len(got), n)
		}
	}
	return got
}

func startConsumer(t *testing.T, c *Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Start(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func equalPartitions(got []int32, want partition.Range) bool {
	exp := want.Partitions()
	if len(got) != len(exp) {
		return false
	}
	for i := range got {
		if got[i] != exp[i] {
			return false
		}
	}
	return true
}

func TestReassignmentDropsStaleRecords(t *testing.T) {
	m := metrics.New(nil)
	fo := &recordingFanOut{out: make(chan delivered, 32)}
	c, ff := newTestConsumer(t, fo, m)
	startConsumer(t, c)

	if err := c.Prepare(partition.Range{Lower: 0, Upper: 3}); err != nil {
		t.Fatal(err)
	}
	if !equalPartitions(ff.partitions(), partition.Range{Lower: 0, Upper: 3}) {
		t.Fatalf("consuming %v after first prepare", ff.partitions())
	}
	ff.batches <- fetchesOf(record(t, 0, 1), record(t, 1, 101), record(t, 2, 201), record(t, 3, 301))
	receive(t, fo.out, 4)

	if err := c.Prepare(partition.Range{Lower: 4, Upper: 7}); err != nil {
		t.Fatal(err)
	}
	if !equalPartitions(ff.partitions(), partition.Range{Lower: 4, Upper: 7}) {
		t.Fatalf("consuming %v after reassignment", ff.partitions())
	}
	if got, _ := c.Assignment(); got != (partition.Range{Lower: 4, Upper: 7}) {
		t.Fatalf("assignment = %v", got)
	}

	// Buffered before the reassignment took effect.
	ff.batches <- fetchesOf(record(t, 1, 102), record(t, 2, 202), record(t, 5, 501))
	ff.batches <- fetchesOf(record(t, 4, 401), record(t, 5, 502), record(t, 6, 601), record(t, 7, 701))

	for _, d := range receive(t, fo.out, 5) {
		if p := d.msg.MessageID / 100; p < 4 || p > 7 {
			t.Fatalf("delivered message %d from partition %d after reassignment", d.msg.MessageID, p)
		}
	}
	if got := testutil.ToFloat64(m.ForeignRecords); got != 2 {
		t.Fatalf("foreign records = %v", got)
	}
}

func TestPoisonMessageIsSkipped(t *testing.T) {
	m := metrics.New(nil)
	fo := &recordingFanOut{out: make(chan delivered, 4)}
	c, ff := newTestConsumer(t, fo, m)
	startConsumer(t, c)
	if err := c.Prepare(partition.Range{Lower: 0, Upper: 0}); err != nil {
		t.Fatal(err)
	}

	poison := &kgo.Record{Topic: testTopic, Partition: 0, Offset: 17, Key: Key(5), Value: []byte{0xff, 0x01}}
	ff.batches <- fetchesOf(poison, record(t, 0, 5))

	got := receive(t, fo.out, 1)
	if got[0].msg.MessageID != 5 {
		t.Fatalf("unexpected message %+v", got[0].msg)
	}
	if v := testutil.ToFloat64(m.PoisonMessages); v != 1 {
		t.Fatalf("poison counter = %v", v)
	}
}

func TestFetchErrorsAreRetried(t *testing.T) {
	m := metrics.New(nil)
	fo := &recordingFanOut{out: make(chan delivered, 4)}
	c, ff := newTestConsumer(t, fo, m)
	startConsumer(t, c)
	if err := c.Prepare(partition.Range{Lower: 0, Upper: 1}); err != nil {
		t.Fatal(err)
	}

	ff.batches <- kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: testTopic, Partitions: []kgo.FetchPartition{
		{Partition: 1, Err: errors.New("broker unavailable")},
	}}}}}
	ff.batches <- fetchesOf(record(t, 1, 9))

	receive(t, fo.out, 1)
	if v := testutil.ToFloat64(m.FetchErrors); v != 1 {
		t.Fatalf("fetch errors = %v", v)
	}
}

func TestStartFinishesInFlightRecordOnCancel(t *testing.T) {
	fo := &recordingFanOut{out: make(chan delivered, 4), entered: make(chan struct{}, 4), gate: make(chan struct{})}
	c, ff := newTestConsumer(t, fo, nil)
	cancel, errc := startConsumer(t, c)
	if err := c.Prepare(partition.Range{Lower: 0, Upper: 0}); err != nil {
		t.Fatal(err)
	}
	ff.batches <- fetchesOf(record(t, 0, 1), record(t, 0, 2))

	// Cancel while the first record is blocked inside fan-out.
	select {
	case <-fo.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first record never reached fan-out")
	}
	cancel()
	close(fo.gate)

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	if got := receive(t, fo.out, 1); got[0].msg.MessageID != 1 {
		t.Fatalf("in-flight record not completed: %+v", got[0].msg)
	}
	select {
	case d := <-fo.out:
		t.Fatalf("record %d processed after cancellation", d.msg.MessageID)
	default:
	}
}

func TestStartWaitsForPrepare(t *testing.T) {
	c, _ := newTestConsumer(t, &recordingFanOut{out: make(chan delivered, 1)}, nil)
	if _, err := c.Assignment(); !errors.Is(err, ErrNotPrepared) {
		t.Fatalf("expected ErrNotPrepared, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPrepareValidatesRange(t *testing.T) {
	c, _ := newTestConsumer(t, &recordingFanOut{out: make(chan delivered, 1)}, nil)
	for _, r := range []partition.Range{{Lower: -1, Upper: 2}, {Lower: 3, Upper: 2}, {Lower: 0, Upper: 8}, {Lower: 0, Upper: math.MaxInt32}} {
		if err := c.Prepare(r); !errors.Is(err, partition.ErrInvalidRange) {
			t.Fatalf("Prepare(%v) err = %v", r, err)
		}
	}
}

func TestNewConsumerRequiresPartitionCount(t *testing.T) {
	_, err := NewConsumer(Config{Brokers: []string{"127.0.0.1:9092"}, Topic: testTopic}, &recordingFanOut{}, nil, nil)
	if err == nil {
		t.Fatal("expected error without partition count")
	}
}

func TestPrepareIsIdempotent(t *testing.T) {
	var dials int
	c, ff := newTestConsumer(t, &recordingFanOut{out: make(chan delivered, 1)}, nil)
	c.newClient = func(r partition.Range) (fetcher, error) {
		dials++
		return ff, nil
	}
	r := partition.Range{Lower: 2, Upper: 5}
	for i := 0; i < 3; i++ {
		if err := c.Prepare(r); err != nil {
			t.Fatal(err)
		}
	}
	if dials != 1 {
		t.Fatalf("client opened %d times", dials)
	}
	c.Close()
	if !ff.closed {
		t.Fatal("client not closed")
	}
	if err := c.Prepare(r); !errors.Is(err, ErrClosed) {
		t.Fatalf("prepare after close: %v", err)
	}
}

func TestTraceContextExtractedFromHeaders(t *testing.T) {
	fo := &recordingFanOut{out: make(chan delivered, 1)}
	c, ff := newTestConsumer(t, fo, nil)
	startConsumer(t, c)
	if err := c.Prepare(partition.Range{Lower: 0, Upper: 0}); err != nil {
		t.Fatal(err)
	}

	traceID := trace.TraceID{0xa, 0xb, 0xc, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{1, 1, 1, 1, 1, 1, 1, 1},
		TraceFlags: trace.FlagsSampled,
	})
	rec := record(t, 0, 3)
	propagator.Inject(trace.ContextWithSpanContext(context.Background(), sc), headerCarrier{rec: rec})
	ff.batches <- fetchesOf(rec)

	got := receive(t, fo.out, 1)
	if id := trace.SpanContextFromContext(got[0].ctx).TraceID(); id != traceID {
		t.Fatalf("trace id %s not extracted", id)
	}
}
