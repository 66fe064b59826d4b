package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/cartridge/sampler/internal/replaypb"
	"github.com/cartridge/sampler/internal/service"
	"github.com/cartridge/sampler/internal/table"
	"github.com/cartridge/sampler/internal/tensor"
)

func main() {
	var (
		port      = flag.Int("port", 8080, "gRPC server port")
		tableName = flag.String("table", "experience", "Table name to serve")
		maxSize   = flag.Int("max-size", 100000, "Maximum number of items to store")
		seedItems = flag.Int("seed-items", 0, "Synthetic items to preload for testing")
	)
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	tbl := table.NewMemoryTable(*tableName, *maxSize)
	defer tbl.Close()

	if *seedItems > 0 {
		if err := seedTable(tbl, *seedItems); err != nil {
			logger.Fatal().Err(err).Msg("failed to seed table")
		}
		logger.Info().Int("items", *seedItems).Msg("table seeded with synthetic trajectories")
	}

	svc := service.New(logger)
	svc.RegisterTable(tbl)

	server := grpc.NewServer()
	replaypb.RegisterReplayServer(server, svc)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen")
	}

	go func() {
		logger.Info().Stringer("addr", lis.Addr()).Str("table", *tableName).
			Msg("replay sampling server listening")
		if err := server.Serve(lis); err != nil {
			logger.Fatal().Err(err).Msg("failed to serve")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info().Msg("shutting down gracefully")

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown timeout exceeded, forcing stop")
		server.Stop()
	case <-stopped:
		logger.Info().Msg("server stopped gracefully")
	}
}

// seedTable fills the table with synthetic two-column trajectories so a
// sampler can be pointed at the server without a writer pipeline.
func seedTable(tbl *table.MemoryTable, n int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < n; i++ {
		steps := 2 + rng.Intn(15)
		obs := make([]float64, steps*4)
		rewards := make([]float64, steps)
		for j := range obs {
			obs[j] = rng.NormFloat64()
		}
		for j := range rewards {
			rewards[j] = rng.Float64()
		}

		chunkKey := uint64(i)*2 + 1
		chunk := table.NewChunk(&replaypb.ChunkData{
			ChunkKey: chunkKey,
			Tensors: []tensor.Compressed{
				tensor.Compress(tensor.FromFloat64s(obs, steps, 4)),
				tensor.Compress(tensor.FromFloat64s(rewards, steps)),
			},
		})

		item := table.SampledItem{
			Item: replaypb.PrioritizedItem{
				Key:      uint64(i) + 1,
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
		if err := tbl.Insert(item); err != nil {
			return err
		}
	}
	return nil
}
