package table

import (
	"math/rand"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MemoryTable is an in-memory prioritized replay table. Items are sampled
// with probability proportional to their priority, with replacement. The
// table keeps at most maxSize items and evicts oldest-first; chunks are held
// in a reference-counted store so shared chunks survive until the last item
// referencing them is evicted.
type MemoryTable struct {
	name                     string
	maxSize                  int
	minSize                  int
	defaultFlexibleBatchSize int

	mu     sync.Mutex
	cond   *sync.Cond
	items  []*storedItem
	byKey  map[uint64]*storedItem
	chunks map[uint64]*chunkEntry
	rng    *rand.Rand
	closed bool
}

type storedItem struct {
	item      SampledItem
	chunkKeys []uint64
}

type chunkEntry struct {
	chunk *Chunk
	refs  int
}

// MemoryTableOption customizes a MemoryTable.
type MemoryTableOption func(*MemoryTable)

// WithMinSize blocks sampling until the table holds at least n items. This
// is the rate-limiter gate: a sample call waits for the table to fill up to
// n before timing out.
func WithMinSize(n int) MemoryTableOption {
	return func(t *MemoryTable) { t.minSize = n }
}

// WithDefaultFlexibleBatchSize overrides the flexible batch size hint.
func WithDefaultFlexibleBatchSize(n int) MemoryTableOption {
	return func(t *MemoryTable) { t.defaultFlexibleBatchSize = n }
}

// WithRand seeds sampling with a caller-provided source.
func WithRand(rng *rand.Rand) MemoryTableOption {
	return func(t *MemoryTable) { t.rng = rng }
}

// NewMemoryTable creates a table holding at most maxSize items.
func NewMemoryTable(name string, maxSize int, opts ...MemoryTableOption) *MemoryTable {
	t := &MemoryTable{
		name:                     name,
		maxSize:                  maxSize,
		minSize:                  1,
		defaultFlexibleBatchSize: 64,
		byKey:                    make(map[uint64]*storedItem),
		chunks:                   make(map[uint64]*chunkEntry),
		rng:                      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Name implements Table.
func (t *MemoryTable) Name() string { return t.name }

// DefaultFlexibleBatchSize implements Table.
func (t *MemoryTable) DefaultFlexibleBatchSize() int { return t.defaultFlexibleBatchSize }

// Insert stores an item together with the chunks it references. Chunks
// already present in the store are shared, not duplicated.
func (t *MemoryTable) Insert(item SampledItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return status.Errorf(codes.Canceled, "table %q has been closed", t.name)
	}
	if _, ok := t.byKey[item.Item.Key]; ok {
		return status.Errorf(codes.AlreadyExists,
			"item %d already exists in table %q", item.Item.Key, t.name)
	}

	stored := &storedItem{item: item}
	for _, chunk := range item.Chunks {
		key := chunk.Key()
		entry, ok := t.chunks[key]
		if !ok {
			entry = &chunkEntry{chunk: chunk}
			t.chunks[key] = entry
		}
		entry.refs++
		stored.chunkKeys = append(stored.chunkKeys, key)
	}

	t.items = append(t.items, stored)
	t.byKey[item.Item.Key] = stored
	t.evictLocked()
	t.cond.Broadcast()
	return nil
}

// SampleFlexibleBatch implements Table.
func (t *MemoryTable) SampleFlexibleBatch(batchSize int, timeout time.Duration) ([]SampledItem, error) {
	if batchSize < 1 {
		return nil, status.Errorf(codes.InvalidArgument,
			"batch size (%d) must be >= 1", batchSize)
	}
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer timer.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.items) < t.minSize {
		if t.closed {
			return nil, status.Errorf(codes.Canceled, "table %q has been closed", t.name)
		}
		if !time.Now().Before(deadline) {
			return nil, status.Errorf(codes.DeadlineExceeded,
				"rate limiter deadline exceeded while sampling from table %q", t.name)
		}
		t.cond.Wait()
	}

	var total float64
	for _, stored := range t.items {
		total += stored.item.Item.Priority
	}

	out := make([]SampledItem, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		stored := t.pickLocked(total)
		item := stored.item
		item.TableSize = int64(len(t.items))
		if total > 0 {
			item.Probability = stored.item.Item.Priority / total
		} else {
			item.Probability = 1 / float64(len(t.items))
		}
		out = append(out, item)
	}
	return out, nil
}

// pickLocked draws one item proportionally to priority, uniformly when all
// priorities are zero.
func (t *MemoryTable) pickLocked(total float64) *storedItem {
	if total <= 0 {
		return t.items[t.rng.Intn(len(t.items))]
	}
	target := t.rng.Float64() * total
	var sum float64
	for _, stored := range t.items {
		sum += stored.item.Item.Priority
		if sum >= target {
			return stored
		}
	}
	return t.items[len(t.items)-1]
}

// Size returns the number of stored items.
func (t *MemoryTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Close implements Table.
func (t *MemoryTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.items = nil
	t.byKey = nil
	t.chunks = nil
	t.cond.Broadcast()
	return nil
}

func (t *MemoryTable) evictLocked() {
	for t.maxSize > 0 && len(t.items) > t.maxSize {
		oldest := t.items[0]
		t.items = t.items[1:]
		delete(t.byKey, oldest.item.Item.Key)
		for _, key := range oldest.chunkKeys {
			entry := t.chunks[key]
			entry.refs--
			if entry.refs == 0 {
				delete(t.chunks, key)
			}
		}
	}
}
