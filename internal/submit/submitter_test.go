package submit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"switchboard/internal/domain"
	"switchboard/internal/history"
	"switchboard/internal/idgen"
	"switchboard/internal/logger"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type countingSource struct {
	mu    sync.Mutex
	calls int
	next  int64
	err   error
}

func (c *countingSource) Generate(_ context.Context, count int) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	ids := make([]int64, count)
	for i := range ids {
		c.next++
		ids[i] = c.next
	}
	return ids, nil
}

type recordingProducer struct {
	mu   sync.Mutex
	msgs []domain.BackplaneMessage
	err  error
}

func (r *recordingProducer) Publish(_ context.Context, msg domain.BackplaneMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

type recordingHistory struct {
	mu   sync.Mutex
	rows []domain.HistoryMessage
	err  error
}

func (r *recordingHistory) Append(_ context.Context, m domain.HistoryMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, m)
	return r.err
}

func TestIDPoolBatchesRequests(t *testing.T) {
	src := &countingSource{}
	pool := NewIDPool(src, 10)
	var last int64
	for i := 0; i < 25; i++ {
		id, err := pool.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
	}
	if src.calls != 3 {
		t.Fatalf("expected 3 batch fetches, got %d", src.calls)
	}
	if pool.Buffered() != 5 {
		t.Fatalf("buffered = %d", pool.Buffered())
	}
}

func TestIDPoolPropagatesSourceErrors(t *testing.T) {
	pool := NewIDPool(&countingSource{err: idgen.ErrClockRegression}, 4)
	if _, err := pool.Next(context.Background()); !errors.Is(err, idgen.ErrClockRegression) {
		t.Fatalf("expected clock regression, got %v", err)
	}
}

func TestLocalSourceUsesGenerator(t *testing.T) {
	gen, err := idgen.New(idgen.Config{WorkerID: 3})
	if err != nil {
		t.Fatal(err)
	}
	pool := NewIDPool(Local(gen), 8)
	id, err := pool.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if idgen.Decompose(id).WorkerID != 3 {
		t.Fatalf("unexpected worker in %d", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Local(gen).Generate(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestSubmitPublishesAndRecordsHistory(t *testing.T) {
	prod := &recordingProducer{}
	hist := &recordingHistory{}
	s := New(Config{}, NewIDPool(&countingSource{}, 4), prod, hist, nil)

	id, err := s.Submit(context.Background(), 7, 42, []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if len(prod.msgs) != 1 || prod.msgs[0].MessageID != id || prod.msgs[0].ReceiverID != 42 || prod.msgs[0].SenderID != 7 {
		t.Fatalf("unexpected published messages %+v", prod.msgs)
	}
	if len(hist.rows) != 1 || hist.rows[0].ChatID != history.ChatID(7, 42) {
		t.Fatalf("unexpected history rows %+v", hist.rows)
	}
}

func TestSubmitIgnoresHistoryFailure(t *testing.T) {
	prod := &recordingProducer{}
	s := New(Config{}, NewIDPool(&countingSource{}, 4), prod, &recordingHistory{err: errors.New("down")}, nil)
	if _, err := s.Submit(context.Background(), 7, 42, nil); err != nil {
		t.Fatalf("history failure leaked into submit: %v", err)
	}
	if len(prod.msgs) != 1 {
		t.Fatal("message was not published")
	}
}

func TestSubmitLogsWithContextLogger(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ctx := logger.NewContextWithLogger(context.Background(), zap.New(core).With(zap.String("conn_id", "c1")))

	s := New(Config{}, NewIDPool(&countingSource{}, 4), &recordingProducer{}, &recordingHistory{err: errors.New("down")}, nil)
	if _, err := s.Submit(ctx, 7, 42, nil); err != nil {
		t.Fatal(err)
	}
	entries := logs.FilterMessage("history append failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry on the context logger, got %d", len(entries))
	}
	if entries[0].ContextMap()["conn_id"] != "c1" {
		t.Fatalf("connection fields missing: %v", entries[0].ContextMap())
	}
}

func TestSubmitFailsWhenPublishFails(t *testing.T) {
	hist := &recordingHistory{}
	s := New(Config{}, NewIDPool(&countingSource{}, 4), &recordingProducer{err: errors.New("broker down")}, hist, nil)
	if _, err := s.Submit(context.Background(), 7, 42, nil); err == nil {
		t.Fatal("expected publish error")
	}
	if len(hist.rows) != 0 {
		t.Fatal("unpublished message reached history")
	}
}

func TestSubmitValidates(t *testing.T) {
	s := New(Config{MaxPayload: 4}, NewIDPool(&countingSource{}, 4), &recordingProducer{}, nil, nil)
	if _, err := s.Submit(context.Background(), 7, 0, nil); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected invalid message, got %v", err)
	}
	if _, err := s.Submit(context.Background(), 7, 42, []byte("12345")); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected payload too large, got %v", err)
	}
	if _, err := s.Submit(context.Background(), 7, 42, []byte("1234")); err != nil {
		t.Fatal(err)
	}
}
