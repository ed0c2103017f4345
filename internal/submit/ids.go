package submit

import (
	"context"
	"fmt"
	"sync"

	"switchboard/internal/idgen"
)

const DefaultBatch = 64

// IDSource issues batches of message ids. The idservice client satisfies it
// directly; Local adapts an in-process generator.
type IDSource interface {
	Generate(ctx context.Context, count int) ([]int64, error)
}

type localSource struct {
	gen *idgen.Generator
}

// Local serves ids from gen without a network hop.
func Local(gen *idgen.Generator) IDSource {
	return localSource{gen: gen}
}

func (l localSource) Generate(ctx context.Context, count int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.gen.Generate(count)
}

// IDPool hands out ids one at a time from batches fetched from src.
// Ids from one pool are strictly increasing.
type IDPool struct {
	src   IDSource
	batch int

	mu  sync.Mutex
	ids []int64
}

func NewIDPool(src IDSource, batch int) *IDPool {
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &IDPool{src: src, batch: batch}
}

func (p *IDPool) Next(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ids) == 0 {
		ids, err := p.src.Generate(ctx, p.batch)
		if err != nil {
			return 0, fmt.Errorf("fetch ids: %w", err)
		}
		if len(ids) == 0 {
			return 0, fmt.Errorf("fetch ids: empty batch")
		}
		p.ids = ids
	}
	id := p.ids[0]
	p.ids = p.ids[1:]
	return id, nil
}

// Buffered reports how many prefetched ids are waiting.
func (p *IDPool) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}
