package sampler

import (
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/sampler/internal/queue"
	"github.com/cartridge/sampler/internal/table"
)

// localWorkerWakeupTimeout bounds how long a local worker may sit inside a
// table sample call before waking up to check for cancellation. Overridden
// in tests.
var localWorkerWakeupTimeout = 3 * time.Second

// localWorker fetches samples directly from an in-process table. There is no
// stream to cancel, so long rate-limiter waits are chopped into short table
// calls and the closed flag is re-checked between them.
type localWorker struct {
	table             table.Table
	flexibleBatchSize int

	mu     sync.Mutex
	closed bool
}

func newLocalWorker(tbl table.Table, flexibleBatchSize int) *localWorker {
	return &localWorker{table: tbl, flexibleBatchSize: flexibleBatchSize}
}

// Cancel implements samplerWorker.
func (w *localWorker) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

// FetchSamples implements samplerWorker.
func (w *localWorker) FetchSamples(q *queue.Queue[*Sample], numSamples int64,
	rateLimiterTimeout time.Duration) (int64, error) {
	finalDeadline := time.Now().Add(rateLimiterTimeout)

	var produced int64
	for produced < numSamples {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return produced, status.Error(codes.Canceled, "Close called on sampler")
		}
		w.mu.Unlock()

		// A distant rate-limiter deadline would leave the worker unable to
		// observe cancellation, so wake up at least every
		// localWorkerWakeupTimeout.
		timeout := time.Until(finalDeadline)
		if wakeup := localWorkerWakeupTimeout; wakeup < timeout {
			timeout = wakeup
		}

		batchSize := int(minInt64(int64(w.flexibleBatchSize), numSamples-produced))
		items, err := w.table.SampleFlexibleBatch(batchSize, timeout)
		if status.Code(err) == codes.DeadlineExceeded && time.Now().Before(finalDeadline) {
			continue
		}
		if err != nil {
			return produced, err
		}

		for _, item := range items {
			sample, err := sampledItemAsSample(item)
			if err != nil {
				return produced, err
			}
			if !q.Push(sample) {
				return produced, status.Error(codes.Canceled, "Close called on sampler")
			}
			produced++
		}
	}

	if produced != numSamples {
		return produced, status.Errorf(codes.Internal,
			"produced != num_samples (%d vs. %d)", produced, numSamples)
	}
	return produced, nil
}
