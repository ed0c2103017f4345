package idgen

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"switchboard/internal/logger"
	"switchboard/internal/metrics"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ID layout, high to low: 41 bits of milliseconds since Epoch, 10 bits of
// worker id, 12 bits of per-millisecond sequence.
const (
	workerBits   = 10
	sequenceBits = 12

	MaxWorkerID = 1<<workerBits - 1
	maxSequence = 1<<sequenceBits - 1

	workerShift    = sequenceBits
	timestampShift = workerBits + sequenceBits

	DefaultMaxBatch               = 4096
	DefaultMaxClockRegressionWait = 10 * time.Millisecond
)

// Epoch is the zero point of the timestamp component.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	ErrClockRegression  = errors.New("clock moved backwards")
	ErrInvalidCount     = errors.New("invalid id count")
	ErrInvalidWorkerID  = errors.New("worker id must be between 0 and 1023")
	ErrClockBeforeEpoch = errors.New("clock is before the id epoch")
)

type Config struct {
	// WorkerID must be unique among concurrently running generators. It is
	// assigned externally.
	WorkerID               int64
	MaxBatch               int
	MaxClockRegressionWait time.Duration
	Clock                  clock.Clock
	Logger                 *zap.Logger
	Metrics                *metrics.Metrics
}

// Generator issues strictly increasing 64-bit identifiers. The mutex guards
// lastMs and seq and is never held while waiting on the clock.
type Generator struct {
	workerID int64
	maxBatch int
	maxWait  time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	lastMs int64
	seq    int64
}

func New(cfg Config) (*Generator, error) {
	if cfg.WorkerID < 0 || cfg.WorkerID > MaxWorkerID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkerID, cfg.WorkerID)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.MaxClockRegressionWait < 0 {
		cfg.MaxClockRegressionWait = DefaultMaxClockRegressionWait
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Generator{
		workerID: cfg.WorkerID,
		maxBatch: cfg.MaxBatch,
		maxWait:  cfg.MaxClockRegressionWait,
		clock:    cfg.Clock,
		logger:   logger.OrNop(cfg.Logger),
		metrics:  metrics.OrNew(cfg.Metrics),
		lastMs:   -1,
	}, nil
}

func (g *Generator) WorkerID() int64 { return g.workerID }

func (g *Generator) MaxBatch() int { return g.maxBatch }

// Generate returns count strictly increasing identifiers.
func (g *Generator) Generate(count int) ([]int64, error) {
	if count < 1 || count > g.maxBatch {
		return nil, fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidCount, count, g.maxBatch)
	}
	ids := make([]int64, 0, count)
	for len(ids) < count {
		id, err := g.next()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	g.metrics.GeneratedIDs.Add(float64(count))
	return ids, nil
}

func (g *Generator) Next() (int64, error) {
	ids, err := g.Generate(1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (g *Generator) next() (int64, error) {
	var deadline time.Time
	for {
		g.mu.Lock()
		now := g.nowMs()
		if now < 0 {
			g.mu.Unlock()
			return 0, ErrClockBeforeEpoch
		}
		last := g.lastMs
		switch {
		case now > last:
			g.lastMs, g.seq = now, 0
			id := g.compose(now, 0)
			g.mu.Unlock()
			return id, nil
		case now == last && g.seq < maxSequence:
			g.seq++
			id := g.compose(now, g.seq)
			g.mu.Unlock()
			return id, nil
		case now == last:
			g.mu.Unlock()
			g.sleepUntil(last + 1)
		default:
			g.mu.Unlock()
			if deadline.IsZero() {
				deadline = g.clock.Now().Add(g.maxWait)
				g.logger.Warn("clock moved backwards, waiting",
					zap.Int64("behind_ms", last-now),
					zap.Duration("max_wait", g.maxWait))
			}
			remaining := deadline.Sub(g.clock.Now())
			if remaining <= 0 {
				g.metrics.ClockRegressions.Inc()
				return 0, fmt.Errorf("%w: %dms behind last issued timestamp", ErrClockRegression, last-now)
			}
			wait := g.msTime(last).Sub(g.clock.Now())
			if wait > remaining {
				wait = remaining
			}
			g.clock.Sleep(wait)
		}
	}
}

func (g *Generator) compose(ms, seq int64) int64 {
	return ms<<timestampShift | g.workerID<<workerShift | seq
}

func (g *Generator) nowMs() int64 {
	return g.clock.Now().Sub(Epoch).Milliseconds()
}

func (g *Generator) msTime(ms int64) time.Time {
	return Epoch.Add(time.Duration(ms) * time.Millisecond)
}

func (g *Generator) sleepUntil(ms int64) {
	if d := g.msTime(ms).Sub(g.clock.Now()); d > 0 {
		g.clock.Sleep(d)
	}
}

// Parts is the decomposed form of an identifier.
type Parts struct {
	Time     time.Time
	WorkerID int64
	Sequence int64
}

func Decompose(id int64) Parts {
	ms := id >> timestampShift
	return Parts{
		Time:     Epoch.Add(time.Duration(ms) * time.Millisecond),
		WorkerID: (id >> workerShift) & MaxWorkerID,
		Sequence: id & maxSequence,
	}
}
