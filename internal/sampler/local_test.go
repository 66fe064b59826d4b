package sampler

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/sampler/internal/queue"
	"github.com/cartridge/sampler/internal/replaypb"
	"github.com/cartridge/sampler/internal/table"
	"github.com/cartridge/sampler/internal/tensor"
)

// fakeTable scripts SampleFlexibleBatch behavior and records batch sizes.
type fakeTable struct {
	name             string
	flexibleDefault  int
	sample           func(batchSize int, timeout time.Duration) ([]table.SampledItem, error)
	mu               sync.Mutex
	batchSizes       []int
	observedTimeouts []time.Duration
}

func (f *fakeTable) Name() string { return f.name }

func (f *fakeTable) DefaultFlexibleBatchSize() int { return f.flexibleDefault }

func (f *fakeTable) Close() error { return nil }

func (f *fakeTable) SampleFlexibleBatch(batchSize int, timeout time.Duration) ([]table.SampledItem, error) {
	f.mu.Lock()
	f.batchSizes = append(f.batchSizes, batchSize)
	f.observedTimeouts = append(f.observedTimeouts, timeout)
	f.mu.Unlock()
	return f.sample(batchSize, timeout)
}

// tableItem builds a single-column one-chunk item.
func tableItem(key uint64, vals []int64) table.SampledItem {
	chunkKey := key * 100
	chunk := table.NewChunk(&replaypb.ChunkData{
		ChunkKey: chunkKey,
		Tensors:  []tensor.Compressed{tensor.Compress(tensor.FromInt64s(vals, len(vals)))},
	})
	return table.SampledItem{
		Item: replaypb.PrioritizedItem{
			Key:      key,
			Priority: 1.0,
			FlatTrajectory: replaypb.FlatTrajectory{
				Columns: []replaypb.TrajectoryColumn{{
					ChunkSlices: []replaypb.ChunkSlice{{ChunkKey: chunkKey, Offset: 0, Length: int64(len(vals)), Index: 0}},
				}},
			},
		},
		Probability: 0.5,
		TableSize:   10,
		Chunks:      []*table.Chunk{chunk},
	}
}

func TestLocalWorker_FetchesFromTable(t *testing.T) {
	var next uint64
	tbl := &fakeTable{name: "experience", flexibleDefault: 64}
	tbl.sample = func(batchSize int, _ time.Duration) ([]table.SampledItem, error) {
		items := make([]table.SampledItem, 0, batchSize)
		for i := 0; i < batchSize; i++ {
			next++
			items = append(items, tableItem(next, []int64{int64(next)}))
		}
		return items, nil
	}

	w := newLocalWorker(tbl, 2)
	q := queue.New[*Sample](8)
	produced, err := w.FetchSamples(q, 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), produced)
	assert.Equal(t, 5, q.Len())
	// Batch size is capped by flexibleBatchSize and the remaining quota.
	assert.Equal(t, []int{2, 2, 1}, tbl.batchSizes)
}

func TestLocalWorker_DeadlineExceededPastFinalDeadlineIsReal(t *testing.T) {
	tbl := &fakeTable{name: "experience", flexibleDefault: 1}
	tbl.sample = func(_ int, timeout time.Duration) ([]table.SampledItem, error) {
		time.Sleep(timeout)
		return nil, status.Error(codes.DeadlineExceeded, "rate limiter deadline exceeded")
	}

	w := newLocalWorker(tbl, 1)
	q := queue.New[*Sample](1)
	produced, err := w.FetchSamples(q, 1, 30*time.Millisecond)
	assert.Equal(t, int64(0), produced)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestLocalWorker_WakeupObservesCancellation(t *testing.T) {
	prev := localWorkerWakeupTimeout
	localWorkerWakeupTimeout = 30 * time.Millisecond
	defer func() { localWorkerWakeupTimeout = prev }()

	// The table never yields; every call waits out its (chopped) timeout.
	tbl := &fakeTable{name: "experience", flexibleDefault: 1}
	tbl.sample = func(_ int, timeout time.Duration) ([]table.SampledItem, error) {
		time.Sleep(timeout)
		return nil, status.Error(codes.DeadlineExceeded, "rate limiter deadline exceeded")
	}

	opts := Options{
		MaxSamples:                  1,
		MaxInFlightSamplesPerWorker: 1,
		NumWorkers:                  1,
		MaxSamplesPerStream:         AutoSelectValue,
		RateLimiterTimeout:          30 * time.Second,
		FlexibleBatchSize:           AutoSelectValue,
	}
	s, err := NewLocal(tbl, opts, nil, zerolog.Nop())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, gerr := s.GetNextSample()
		errCh <- gerr
	}()

	time.Sleep(50 * time.Millisecond)
	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case gerr := <-errCh:
		assert.Equal(t, codes.Canceled, status.Code(gerr))
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not unblocked by Close")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return within a wake-up cycle")
	}

	// Every table call was chopped to the wake-up timeout, never the full
	// rate limiter deadline.
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	for _, timeout := range tbl.observedTimeouts {
		assert.LessOrEqual(t, timeout, localWorkerWakeupTimeout)
	}
}

func TestNewLocal_CapsFlexibleBatchSize(t *testing.T) {
	var next uint64
	tbl := &fakeTable{name: "experience", flexibleDefault: 64}
	tbl.sample = func(batchSize int, _ time.Duration) ([]table.SampledItem, error) {
		items := make([]table.SampledItem, 0, batchSize)
		for i := 0; i < batchSize; i++ {
			next++
			items = append(items, tableItem(next, []int64{int64(next)}))
		}
		return items, nil
	}

	opts := Options{
		MaxSamples:                  6,
		MaxInFlightSamplesPerWorker: 3,
		NumWorkers:                  1,
		MaxSamplesPerStream:         AutoSelectValue,
		RateLimiterTimeout:          time.Minute,
		FlexibleBatchSize:           AutoSelectValue,
	}
	s, err := NewLocal(tbl, opts, nil, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 6; i++ {
		_, err := s.GetNextSample()
		require.NoError(t, err)
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	for _, bs := range tbl.batchSizes {
		assert.LessOrEqual(t, bs, 3)
	}
}
