// Package service implements the server side of the replay sampling stream
// over in-process tables.
package service

import (
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/sampler/internal/replaypb"
	"github.com/cartridge/sampler/internal/table"
)

// SamplerService serves SampleStream requests from a set of registered
// tables.
type SamplerService struct {
	tables map[string]table.Table
	logger zerolog.Logger
}

// New creates a service with no tables registered.
func New(logger zerolog.Logger) *SamplerService {
	return &SamplerService{
		tables: make(map[string]table.Table),
		logger: logger,
	}
}

// RegisterTable makes tbl available for sampling under its own name. Not
// safe to call once the service is serving.
func (s *SamplerService) RegisterTable(tbl table.Table) {
	s.tables[tbl.Name()] = tbl
}

// SampleStream implements replaypb.ReplayServer. Each request on the stream
// asks for a batch of samples; every sampled item is answered with one
// response carrying the item info and the first referenced chunk, followed
// by one response per remaining chunk.
func (s *SamplerService) SampleStream(stream replaypb.SampleStreamServer) error {
	logger := s.logger.With().Str("session_id", uuid.New().String()).Logger()

	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		tbl, ok := s.tables[req.Table]
		if !ok {
			return status.Errorf(codes.NotFound, "table %q was not found", req.Table)
		}
		if req.NumSamples < 1 {
			return status.Errorf(codes.InvalidArgument,
				"num_samples (%d) must be >= 1", req.NumSamples)
		}
		if req.RateLimiterTimeoutMs < 0 {
			return status.Errorf(codes.InvalidArgument,
				"rate_limiter_timeout (%d ms) must not be negative", req.RateLimiterTimeoutMs)
		}
		flexibleBatchSize := int(req.FlexibleBatchSize)
		if flexibleBatchSize < 1 {
			flexibleBatchSize = tbl.DefaultFlexibleBatchSize()
		}

		logger.Debug().Str("table", req.Table).Int64("num_samples", req.NumSamples).
			Msg("sampling batch requested")

		timeout := time.Duration(req.RateLimiterTimeoutMs) * time.Millisecond
		remaining := req.NumSamples
		for remaining > 0 {
			batchSize := flexibleBatchSize
			if int64(batchSize) > remaining {
				batchSize = int(remaining)
			}
			items, err := tbl.SampleFlexibleBatch(batchSize, timeout)
			if err != nil {
				return err
			}
			for _, item := range items {
				if err := sendItem(stream, item); err != nil {
					return err
				}
			}
			remaining -= int64(len(items))
		}
	}
}

// sendItem streams one sampled item: info plus the first chunk share a
// response, remaining chunks follow in trajectory order.
func sendItem(stream replaypb.SampleStreamServer, item table.SampledItem) error {
	chunksByKey := make(map[uint64]*table.Chunk, len(item.Chunks))
	for _, chunk := range item.Chunks {
		chunksByKey[chunk.Key()] = chunk
	}

	info := &replaypb.SampleInfo{
		Item:        item.Item,
		Probability: item.Probability,
		TableSize:   item.TableSize,
	}

	keys := replaypb.ChunkKeys(item.Item.FlatTrajectory)
	for i, key := range keys {
		chunk, ok := chunksByKey[key]
		if !ok {
			return status.Errorf(codes.Internal,
				"item %d references chunk %d which is not stored", item.Item.Key, key)
		}
		response := &replaypb.SampleStreamResponse{Data: chunk.Data()}
		if i == 0 {
			response.Info = info
		}
		if err := stream.Send(response); err != nil {
			return err
		}
	}
	return nil
}
