package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/cartridge/sampler/internal/config"
	"github.com/cartridge/sampler/internal/replaypb"
	"github.com/cartridge/sampler/internal/sampler"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sampler",
	Short: "Replay sampling client",
	Long: `Sampling client for replay tables.

The sampler opens streaming sessions against a replay server, assembles
sampled trajectories into dense tensor batches and consumes them in the
requested output mode.`,
	RunE: runSampler,
}

func init() {
	cfg = config.Default()

	rootCmd.Flags().StringVar(&cfg.ServerAddr, "server-addr", cfg.ServerAddr, "Replay server address")
	rootCmd.Flags().StringVar(&cfg.Table, "table", cfg.Table, "Table to sample from")
	rootCmd.Flags().Int64Var(&cfg.NumSamples, "num-samples", cfg.NumSamples, "Samples to fetch (-1 for unlimited)")
	rootCmd.Flags().StringVar(&cfg.OutputMode, "output-mode", cfg.OutputMode, "Output mode (timesteps, samples, trajectories)")

	rootCmd.Flags().IntVar(&cfg.NumWorkers, "num-workers", cfg.NumWorkers, "Worker goroutines (-1 for auto)")
	rootCmd.Flags().Int64Var(&cfg.MaxInFlight, "max-in-flight", cfg.MaxInFlight, "Max in-flight samples per worker")
	rootCmd.Flags().Int64Var(&cfg.MaxSamplesPerStream, "max-samples-per-stream", cfg.MaxSamplesPerStream, "Samples per stream before reconnect (-1 for auto)")
	rootCmd.Flags().DurationVar(&cfg.RateLimiterTimeout, "rate-limiter-timeout", cfg.RateLimiterTimeout, "Rate limiter timeout per sample")
	rootCmd.Flags().Int32Var(&cfg.FlexibleBatchSize, "flexible-batch-size", cfg.FlexibleBatchSize, "Table flexible batch size (-1 for auto)")

	rootCmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	viper.BindPFlags(rootCmd.Flags())
	viper.SetEnvPrefix("SAMPLER")
	viper.AutomaticEnv()
}

func runSampler(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	conn, err := grpc.NewClient(cfg.ServerAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ServerAddr, err)
	}
	defer conn.Close()

	opts := sampler.Options{
		MaxSamples:                  cfg.NumSamples,
		MaxInFlightSamplesPerWorker: cfg.MaxInFlight,
		NumWorkers:                  cfg.NumWorkers,
		MaxSamplesPerStream:         cfg.MaxSamplesPerStream,
		RateLimiterTimeout:          cfg.RateLimiterTimeout,
		FlexibleBatchSize:           cfg.FlexibleBatchSize,
	}
	s, err := sampler.NewRemote(replaypb.NewReplayClient(conn), cfg.Table, opts, nil, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("shutdown signal received, closing sampler")
		s.Close()
	}()

	logger.Info().Str("table", cfg.Table).Int64("num_samples", cfg.NumSamples).
		Str("output_mode", cfg.OutputMode).Msg("sampling started")

	var consumed int64
	for {
		switch cfg.OutputMode {
		case config.OutputTimesteps:
			_, end, terr := s.GetNextTimestep()
			err = terr
			if err == nil && !end {
				continue
			}
		case config.OutputSamples:
			_, err = s.GetNextSample()
		case config.OutputTrajectories:
			_, err = s.GetNextTrajectory()
		}
		if err != nil {
			break
		}
		consumed++
		if consumed%100 == 0 {
			logger.Info().Int64("consumed", consumed).Msg("progress")
		}
	}

	switch status.Code(err) {
	case codes.OutOfRange:
		logger.Info().Int64("consumed", consumed).Msg("sampling complete")
		return nil
	case codes.Canceled:
		logger.Info().Int64("consumed", consumed).Msg("sampling cancelled")
		return nil
	default:
		logger.Error().Err(err).Int64("consumed", consumed).Msg("sampling failed")
		return err
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
