// Package sampler implements the client-side sampling engine: a pool of
// worker goroutines that stream sampled items from a replay table, assemble
// them into dense tensor batches and hand them to the consumer through a
// bounded queue.
package sampler

import (
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// AutoSelectValue lets the sampler pick a sensible value for optional
	// fields.
	AutoSelectValue = -1

	// UnlimitedMaxSamples makes the sampler run until closed.
	UnlimitedMaxSamples = -1

	// DefaultNumWorkers is used when Options.NumWorkers is AutoSelectValue.
	DefaultNumWorkers = 2

	// DefaultMaxSamplesPerStream is used when Options.MaxSamplesPerStream is
	// AutoSelectValue.
	DefaultMaxSamplesPerStream = 10000
)

// Options configures a Sampler.
type Options struct {
	// MaxSamples is the total number of samples to fetch before the sampler
	// reports OutOfRange, or UnlimitedMaxSamples.
	MaxSamples int64

	// MaxInFlightSamplesPerWorker bounds how many samples a single worker may
	// have requested but not yet received. Must be >= 1.
	MaxInFlightSamplesPerWorker int64

	// NumWorkers is the number of worker goroutines, or AutoSelectValue.
	NumWorkers int

	// MaxSamplesPerStream caps how many samples are fetched over a single
	// stream before it is replaced, or AutoSelectValue to use
	// DefaultMaxSamplesPerStream. UnlimitedMaxSamples has the same value as
	// AutoSelectValue, so it also selects DefaultMaxSamplesPerStream; there
	// is no unlimited per-stream setting.
	MaxSamplesPerStream int64

	// RateLimiterTimeout bounds how long a single sample may wait on the
	// table's rate limiter before the server gives up. Must not be negative.
	RateLimiterTimeout time.Duration

	// FlexibleBatchSize caps how many items the table may return from a
	// single acquisition of its lock, or AutoSelectValue.
	FlexibleBatchSize int32
}

// Validate checks the option invariants.
func (o Options) Validate() error {
	if o.MaxSamples < 1 && o.MaxSamples != UnlimitedMaxSamples {
		return status.Errorf(codes.InvalidArgument,
			"max_samples (%d) must be %d or >= 1", o.MaxSamples, UnlimitedMaxSamples)
	}
	if o.MaxInFlightSamplesPerWorker < 1 {
		return status.Errorf(codes.InvalidArgument,
			"max_in_flight_samples_per_worker (%d) has to be >= 1",
			o.MaxInFlightSamplesPerWorker)
	}
	if o.NumWorkers < 1 && o.NumWorkers != AutoSelectValue {
		return status.Errorf(codes.InvalidArgument,
			"num_workers (%d) must be %d or >= 1", o.NumWorkers, AutoSelectValue)
	}
	if o.MaxSamplesPerStream < 1 && o.MaxSamplesPerStream != UnlimitedMaxSamples {
		return status.Errorf(codes.InvalidArgument,
			"max_samples_per_stream (%d) must be %d or >= 1",
			o.MaxSamplesPerStream, UnlimitedMaxSamples)
	}
	if o.RateLimiterTimeout < 0 {
		return status.Errorf(codes.InvalidArgument,
			"rate_limiter_timeout (%s) must not be negative", o.RateLimiterTimeout)
	}
	if o.FlexibleBatchSize < 1 && o.FlexibleBatchSize != AutoSelectValue {
		return status.Errorf(codes.InvalidArgument,
			"flexible_batch_size (%d) must be %d or >= 1",
			o.FlexibleBatchSize, AutoSelectValue)
	}
	return nil
}
