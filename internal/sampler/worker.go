package sampler

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/sampler/internal/queue"
	"github.com/cartridge/sampler/internal/replaypb"
)

// samplerWorker fetches samples into the shared queue. Implementations are
// driven by the sampler's worker loop and must return promptly after Cancel.
type samplerWorker interface {
	// FetchSamples pushes up to numSamples assembled samples to q and
	// returns how many were produced together with the terminal status of
	// the attempt. A nil error implies produced == numSamples.
	FetchSamples(q *queue.Queue[*Sample], numSamples int64, rateLimiterTimeout time.Duration) (int64, error)

	// Cancel marks the worker closed and aborts any in-flight fetch.
	Cancel()
}

// grpcWorker holds one streaming session against a remote replay server.
type grpcWorker struct {
	client            replaypb.ReplayClient
	tableName         string
	samplesPerRequest int64
	flexibleBatchSize int32

	mu           sync.Mutex
	cancelStream context.CancelFunc
	closed       bool
}

func newGrpcWorker(client replaypb.ReplayClient, tableName string,
	samplesPerRequest int64, flexibleBatchSize int32) *grpcWorker {
	return &grpcWorker{
		client:            client,
		tableName:         tableName,
		samplesPerRequest: samplesPerRequest,
		flexibleBatchSize: flexibleBatchSize,
	}
}

// Cancel implements samplerWorker.
func (w *grpcWorker) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.cancelStream != nil {
		w.cancelStream()
	}
}

// FetchSamples opens a new stream and requests numSamples samples in batches
// of at most samplesPerRequest. The stream is abandoned on the first
// failure; the caller decides whether the status is transient.
func (w *grpcWorker) FetchSamples(q *queue.Queue[*Sample], numSamples int64,
	rateLimiterTimeout time.Duration) (int64, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, status.Error(codes.Canceled, "Close called on sampler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelStream = cancel
	w.mu.Unlock()
	defer cancel()

	// Waiting for a ready server would mask a missing one; fail fast with
	// Unavailable instead so the worker loop can retry.
	stream, err := w.client.SampleStream(ctx, grpc.WaitForReady(false))
	if err != nil {
		return 0, err
	}

	var produced int64
	for produced < numSamples {
		request := &replaypb.SampleStreamRequest{
			Table:                w.tableName,
			NumSamples:           minInt64(w.samplesPerRequest, numSamples-produced),
			RateLimiterTimeoutMs: rateLimiterTimeout.Milliseconds(),
			FlexibleBatchSize:    w.flexibleBatchSize,
		}
		if err := stream.Send(request); err != nil {
			return produced, streamError(stream, err)
		}

		for i := int64(0); i < request.NumSamples; i++ {
			var responses []*replaypb.SampleStreamResponse
			for !sampleIsDone(responses) {
				response, err := stream.Recv()
				if err != nil {
					return produced, streamError(stream, err)
				}
				responses = append(responses, response)
			}

			sample, err := responsesAsSample(responses)
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

// streamError resolves the terminal status of a broken stream. Send reports
// io.EOF for any stream breakage; the real status comes from the next Recv.
func streamError(stream replaypb.SampleStreamClient, err error) error {
	if !errors.Is(err, io.EOF) {
		return err
	}
	for {
		if _, rerr := stream.Recv(); rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return status.Error(codes.Internal, "stream closed mid-sample")
			}
			return rerr
		}
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
