package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"switchboard/internal/domain"
	"switchboard/internal/logger"
	"switchboard/internal/metrics"
	"switchboard/internal/outbound"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handle is one live connection of a client.
type Handle interface {
	ID() uuid.UUID
	ClientID() domain.ClientID
	Enqueue(ctx context.Context, n domain.Notification) bool
}

// Connection is the Handle backed by an outbound queue.
type Connection struct {
	id       uuid.UUID
	clientID domain.ClientID
	queue    *outbound.Queue
}

func NewConnection(clientID domain.ClientID, q *outbound.Queue) *Connection {
	return &Connection{id: uuid.New(), clientID: clientID, queue: q}
}

func (c *Connection) ID() uuid.UUID { return c.id }
func (c *Connection) ClientID() domain.ClientID { return c.clientID }
func (c *Connection) Queue() *outbound.Queue { return c.queue }
func (c *Connection) Done() <-chan struct{} { return c.queue.Done() }
func (c *Connection) Close() int { return c.queue.Close() }
func (c *Connection) Enqueue(ctx context.Context, n domain.Notification) bool {
	return c.queue.Enqueue(ctx, n)
}

var empty = []Handle{}

// entry holds the handles of one client. Writers serialize on mu and publish
// a fresh slice; readers load the pointer without locking. A dead entry has
// been removed from the map and must not be written to.
type entry struct {
	mu      sync.Mutex
	dead    bool
	handles atomic.Pointer[[]Handle]
}

func (e *entry) snapshot() []Handle {
	if p := e.handles.Load(); p != nil {
		return *p
	}
	return empty
}

type Registry struct {
	entries sync.Map // domain.ClientID -> *entry
	size    atomic.Int64
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(log *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{logger: logger.OrNop(log), metrics: metrics.OrNew(m)}
}

// Add registers h under clientID. Each handle must be added once.
func (r *Registry) Add(clientID domain.ClientID, h Handle) {
	for {
		v, loaded := r.entries.LoadOrStore(clientID, &entry{})
		e := v.(*entry)
		e.mu.Lock()
		if e.dead {
			// Lost a race with the removal of the last handle; the entry is
			// gone from the map, retry with a new one.
			e.mu.Unlock()
			continue
		}
		cur := e.snapshot()
		next := make([]Handle, len(cur), len(cur)+1)
		copy(next, cur)
		next = append(next, h)
		e.handles.Store(&next)
		e.mu.Unlock()

		if !loaded {
			r.size.Add(1)
			r.metrics.RegistryEntries.Inc()
		}
		r.metrics.LiveConnections.Inc()
		return
	}
}

// Remove unregisters h. It reports whether h was present; removing an
// unknown handle is a no-op.
func (r *Registry) Remove(clientID domain.ClientID, h Handle) bool {
	v, ok := r.entries.Load(clientID)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	cur := e.snapshot()
	idx := -1
	for i, existing := range cur {
		if existing.ID() == h.ID() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	r.metrics.LiveConnections.Dec()

	if len(cur) == 1 {
		e.dead = true
		e.handles.Store(&empty)
		r.entries.CompareAndDelete(clientID, e)
		r.size.Add(-1)
		r.metrics.RegistryEntries.Dec()
		return true
	}
	next := make([]Handle, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	e.handles.Store(&next)
	return true
}

// Enumerate returns an immutable snapshot of the client's handles. The
// result must not be modified.
func (r *Registry) Enumerate(clientID domain.ClientID) []Handle {
	v, ok := r.entries.Load(clientID)
	if !ok {
		return empty
	}
	return v.(*entry).snapshot()
}

// ApproxLen is the number of clients with at least one handle. It may lag
// concurrent Add and Remove calls.
func (r *Registry) ApproxLen() int {
	return int(r.size.Load())
}

// Close closes every registered Connection and removes all entries. Handles
// that are not Connections are only unregistered.
func (r *Registry) Close() {
	closed, discarded := 0, 0
	r.entries.Range(func(k, _ any) bool {
		clientID := k.(domain.ClientID)
		for _, h := range r.Enumerate(clientID) {
			if c, ok := h.(*Connection); ok {
				discarded += c.Close()
				closed++
			}
			r.Remove(clientID, h)
		}
		return true
	})
	r.logger.Info("registry closed", zap.Int("connections", closed), zap.Int("discarded", discarded))
}
