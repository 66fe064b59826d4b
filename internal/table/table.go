// Package table defines the in-process replay table consumed by local
// sampling workers, plus a prioritized in-memory implementation.
package table

import (
	"time"

	"github.com/cartridge/sampler/internal/replaypb"
)

// Chunk is one stored chunk shared between the table's chunk store and the
// samples that reference it. The payload is immutable once stored.
type Chunk struct {
	data *replaypb.ChunkData
}

// NewChunk wraps chunk data for storage.
func NewChunk(data *replaypb.ChunkData) *Chunk {
	return &Chunk{data: data}
}

// Key returns the chunk key.
func (c *Chunk) Key() uint64 { return c.data.ChunkKey }

// Data returns the stored chunk payload.
func (c *Chunk) Data() *replaypb.ChunkData { return c.data }

// SampledItem is one item returned by a flexible-batch sample call. Chunks
// are shared with the table's chunk store for the lifetime of the item.
type SampledItem struct {
	Item        replaypb.PrioritizedItem
	Probability float64
	TableSize   int64
	Chunks      []*Chunk
}

// Table is the interface local sampling workers consume.
type Table interface {
	// Name returns the table name.
	Name() string

	// SampleFlexibleBatch returns up to batchSize items sampled from the
	// table. If the rate limiter blocks sampling for longer than timeout, the
	// call fails with DeadlineExceeded; callers treat that as a wake-up
	// signal, not data loss.
	SampleFlexibleBatch(batchSize int, timeout time.Duration) ([]SampledItem, error)

	// DefaultFlexibleBatchSize returns the batch size hint used when the
	// sampler options leave the value auto-selected.
	DefaultFlexibleBatchSize() int

	// Close releases the table. Blocked sample calls return Cancelled.
	Close() error
}
