package main

import (
	"context"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/sampler/internal/replaypb"
	"github.com/cartridge/sampler/internal/sampler"
	"github.com/cartridge/sampler/internal/service"
	"github.com/cartridge/sampler/internal/table"
	"github.com/cartridge/sampler/internal/tensor"
)

// streamPipe connects a client-side and a server-side sampling stream in
// process, with the client context driving cancellation, so the full
// service-to-consumer path runs without a network.
type streamPipe struct {
	ctx    context.Context
	reqCh  chan *replaypb.SampleStreamRequest
	respCh chan *replaypb.SampleStreamResponse
	done   chan struct{}
	err    error
}

type pipeClient struct{ p *streamPipe }

func (c pipeClient) Send(m *replaypb.SampleStreamRequest) error {
	select {
	case c.p.reqCh <- m:
		return nil
	case <-c.p.done:
		return io.EOF
	case <-c.p.ctx.Done():
		return io.EOF
	}
}

func (c pipeClient) Recv() (*replaypb.SampleStreamResponse, error) {
	select {
	case m := <-c.p.respCh:
		return m, nil
	case <-c.p.done:
		if c.p.err != nil {
			return nil, c.p.err
		}
		return nil, io.EOF
	case <-c.p.ctx.Done():
		return nil, status.FromContextError(c.p.ctx.Err()).Err()
	}
}

func (c pipeClient) CloseSend() error { return nil }

type pipeServer struct{ p *streamPipe }

func (s pipeServer) Recv() (*replaypb.SampleStreamRequest, error) {
	select {
	case m := <-s.p.reqCh:
		return m, nil
	case <-s.p.ctx.Done():
		return nil, io.EOF
	}
}

func (s pipeServer) Send(m *replaypb.SampleStreamResponse) error {
	select {
	case s.p.respCh <- m:
		return nil
	case <-s.p.ctx.Done():
		return status.FromContextError(s.p.ctx.Err()).Err()
	}
}

// inprocClient runs the service's stream handler on a pipe per opened
// stream.
type inprocClient struct{ svc *service.SamplerService }

func (c *inprocClient) SampleStream(ctx context.Context, opts ...grpc.CallOption) (replaypb.SampleStreamClient, error) {
	p := &streamPipe{
		ctx:    ctx,
		reqCh:  make(chan *replaypb.SampleStreamRequest),
		respCh: make(chan *replaypb.SampleStreamResponse),
		done:   make(chan struct{}),
	}
	go func() {
		p.err = c.svc.SampleStream(pipeServer{p})
		close(p.done)
	}()
	return pipeClient{p}, nil
}

// seedTrajectories fills the table with deterministic two-column timestep
// trajectories of the given lengths.
func seedTrajectories(t *testing.T, tbl *table.MemoryTable, lengths []int) {
	t.Helper()
	for i, steps := range lengths {
		key := uint64(i) + 1
		chunkKey := key * 100
		obs := make([]int64, steps*2)
		rewards := make([]float64, steps)
		for j := 0; j < steps; j++ {
			obs[2*j] = int64(key)*1000 + int64(j)
			obs[2*j+1] = -int64(j)
			rewards[j] = float64(j) / 2
		}
		chunk := table.NewChunk(&replaypb.ChunkData{
			ChunkKey: chunkKey,
			Tensors: []tensor.Compressed{
				tensor.Compress(tensor.FromInt64s(obs, steps, 2)),
				tensor.Compress(tensor.FromFloat64s(rewards, steps)),
			},
		})
		item := table.SampledItem{
			Item: replaypb.PrioritizedItem{
				Key:      key,
				Priority: 1.0,
				FlatTrajectory: replaypb.FlatTrajectory{
					Columns: []replaypb.TrajectoryColumn{
						{ChunkSlices: []replaypb.ChunkSlice{{ChunkKey: chunkKey, Offset: 0, Length: int64(steps), Index: 0}}},
						{ChunkSlices: []replaypb.ChunkSlice{{ChunkKey: chunkKey, Offset: 0, Length: int64(steps), Index: 1}}},
					},
				},
			},
			Chunks: []*table.Chunk{chunk},
		}
		require.NoError(t, tbl.Insert(item))
	}
}

// newIntegrationSampler seeds a table with trajectories of the given lengths
// and only then starts a sampler on it, so every sample sees the full table.
func newIntegrationSampler(t *testing.T, maxSamples int64, signature []sampler.TensorSpec, lengths []int) *sampler.Sampler {
	t.Helper()
	tbl := table.NewMemoryTable("experience", 1000, table.WithRand(rand.New(rand.NewSource(11))))
	t.Cleanup(func() { tbl.Close() })
	seedTrajectories(t, tbl, lengths)

	svc := service.New(zerolog.Nop())
	svc.RegisterTable(tbl)

	opts := sampler.Options{
		MaxSamples:                  maxSamples,
		MaxInFlightSamplesPerWorker: 10,
		NumWorkers:                  2,
		MaxSamplesPerStream:         sampler.AutoSelectValue,
		RateLimiterTimeout:          5 * time.Second,
		FlexibleBatchSize:           2,
	}
	s, err := sampler.NewRemote(&inprocClient{svc: svc}, "experience", opts, signature, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestIntegration_SamplesFlowEndToEnd(t *testing.T) {
	s := newIntegrationSampler(t, 20, nil, []int{3, 5, 2, 4})

	for i := 0; i < 20; i++ {
		data, err := s.GetNextSample()
		require.NoError(t, err)
		require.Len(t, data, 6)

		// Metadata is broadcast to the trajectory length and constant.
		steps := data[4].Shape[0]
		keys := data[0].Uint64s()
		require.Len(t, keys, steps)
		for _, k := range keys[1:] {
			assert.Equal(t, keys[0], k)
		}
		sizes := data[2].Int64s()
		assert.Equal(t, int64(4), sizes[0])

		// The observation column keeps its inner width.
		assert.Equal(t, 2, data[4].Shape[1])
		assert.Equal(t, []int{steps}, data[5].Shape)
	}

	_, err := s.GetNextSample()
	assert.Equal(t, codes.OutOfRange, status.Code(err))
}

func TestIntegration_TimestepIteration(t *testing.T) {
	s := newIntegrationSampler(t, 3, nil, []int{3})

	// Every sampled item is the single 3-step trajectory.
	for i := 0; i < 3; i++ {
		for step := 0; step < 3; step++ {
			data, end, err := s.GetNextTimestep()
			require.NoError(t, err)
			require.Len(t, data, 6)
			assert.Equal(t, []uint64{1}, data[0].Uint64s())
			assert.Equal(t, []int64{1000 + int64(step), -int64(step)}, data[4].Int64s())
			assert.Equal(t, step == 2, end)
		}
	}

	_, _, err := s.GetNextTimestep()
	assert.Equal(t, codes.OutOfRange, status.Code(err))
}

func TestIntegration_TrajectoriesAndValidation(t *testing.T) {
	signature := []sampler.TensorSpec{
		{Name: "key", DType: tensor.Uint64},
		{Name: "probability", DType: tensor.Float64},
		{Name: "table_size", DType: tensor.Int64},
		{Name: "priority", DType: tensor.Float64},
		{Name: "observation", DType: tensor.Int64, Shape: []int64{-1, 2}},
		{Name: "reward", DType: tensor.Float64, Shape: []int64{-1}},
	}
	s := newIntegrationSampler(t, 5, signature, []int{4, 2})

	for i := 0; i < 5; i++ {
		data, err := s.GetNextTrajectory()
		require.NoError(t, err)
		require.Len(t, data, 6)
		assert.Equal(t, 0, data[0].Rank())
		assert.Equal(t, 2, data[4].Shape[1])
	}

	_, err := s.GetNextTrajectory()
	assert.Equal(t, codes.OutOfRange, status.Code(err))
}

func TestIntegration_SignatureMismatchSurfaces(t *testing.T) {
	signature := []sampler.TensorSpec{
		{Name: "key", DType: tensor.Uint64},
		{Name: "probability", DType: tensor.Float64},
		{Name: "table_size", DType: tensor.Int64},
		{Name: "priority", DType: tensor.Float64},
		{Name: "observation", DType: tensor.Int64, Shape: []int64{-1, 4}},
		{Name: "reward", DType: tensor.Float64, Shape: []int64{-1}},
	}
	s := newIntegrationSampler(t, 5, signature, []int{3})

	_, err := s.GetNextTrajectory()
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, err.Error(), "flattened index 4")
	assert.Contains(t, err.Error(), `table "experience"`)
}

func TestIntegration_CloseCancelsInFlightStreams(t *testing.T) {
	// Empty table: the server blocks on the rate limiter. Close cancels the
	// client stream context, which unblocks the worker's pending Recv.
	s := newIntegrationSampler(t, 100, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.GetNextSample()
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	s.Close()

	select {
	case err := <-errCh:
		assert.Equal(t, codes.Canceled, status.Code(err))
	case <-time.After(5 * time.Second):
		t.Fatal("consumer was not unblocked by Close")
	}
}
