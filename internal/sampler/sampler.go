package sampler

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/sampler/internal/queue"
	"github.com/cartridge/sampler/internal/replaypb"
	"github.com/cartridge/sampler/internal/table"
	"github.com/cartridge/sampler/internal/tensor"
)

// Sampler fans sampling quota across a pool of workers and hands assembled
// samples to the consumer in arrival order. The consumer calls
// (GetNextTimestep, GetNextSample, GetNextTrajectory) are driven from a
// single goroutine, Close may be called from any goroutine, and workers run
// on their own goroutines.
type Sampler struct {
	tableName           string
	maxSamples          int64
	maxSamplesPerStream int64
	rateLimiterTimeout  time.Duration
	workers             []samplerWorker
	signature           []TensorSpec
	logger              zerolog.Logger

	samples      *queue.Queue[*Sample]
	activeSample *Sample

	mu           sync.Mutex
	cond         *sync.Cond
	requested    int64
	returned     int64
	workerStatus error
	closed       bool

	wg sync.WaitGroup
}

// NewRemote creates a sampler fetching from a remote replay server. The
// signature is optional; when nil no output validation is performed.
func NewRemote(client replaypb.ReplayClient, tableName string, opts Options,
	signature []TensorSpec, logger zerolog.Logger) (*Sampler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	numWorkers := effectiveNumWorkers(opts)
	workers := make([]samplerWorker, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		workers = append(workers, newGrpcWorker(client, tableName,
			opts.MaxInFlightSamplesPerWorker, opts.FlexibleBatchSize))
	}
	return newSampler(workers, tableName, opts, signature, logger), nil
}

// NewLocal creates a sampler fetching directly from an in-process table.
func NewLocal(tbl table.Table, opts Options, signature []TensorSpec,
	logger zerolog.Logger) (*Sampler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	flexibleBatchSize := int(opts.FlexibleBatchSize)
	if opts.FlexibleBatchSize == AutoSelectValue {
		flexibleBatchSize = tbl.DefaultFlexibleBatchSize()
	}
	// Local workers never send a request message, so the in-flight cap is
	// enforced by bounding how much a single table call may return.
	if int64(flexibleBatchSize) > opts.MaxInFlightSamplesPerWorker {
		flexibleBatchSize = int(opts.MaxInFlightSamplesPerWorker)
	}
	numWorkers := effectiveNumWorkers(opts)
	workers := make([]samplerWorker, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		workers = append(workers, newLocalWorker(tbl, flexibleBatchSize))
	}
	return newSampler(workers, tbl.Name(), opts, signature, logger), nil
}

// effectiveNumWorkers resolves the worker count. Workers that could never
// receive quota are not spawned.
func effectiveNumWorkers(opts Options) int {
	maxSamples := opts.MaxSamples
	if maxSamples == UnlimitedMaxSamples {
		maxSamples = math.MaxInt64
	}
	numWorkers := int64(opts.NumWorkers)
	if opts.NumWorkers == AutoSelectValue {
		numWorkers = DefaultNumWorkers
	}
	if useful := maxSamples / opts.MaxInFlightSamplesPerWorker; useful < 1 {
		return 1
	} else if useful < numWorkers {
		return int(useful)
	}
	return int(numWorkers)
}

func newSampler(workers []samplerWorker, tableName string, opts Options,
	signature []TensorSpec, logger zerolog.Logger) *Sampler {
	maxSamples := opts.MaxSamples
	if maxSamples == UnlimitedMaxSamples {
		maxSamples = math.MaxInt64
	}
	maxSamplesPerStream := opts.MaxSamplesPerStream
	if maxSamplesPerStream == AutoSelectValue {
		maxSamplesPerStream = DefaultMaxSamplesPerStream
	} else if maxSamplesPerStream == UnlimitedMaxSamples {
		maxSamplesPerStream = math.MaxInt64
	}
	queueCapacity := opts.NumWorkers
	if opts.NumWorkers == AutoSelectValue {
		queueCapacity = DefaultNumWorkers
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}

	s := &Sampler{
		tableName:           tableName,
		maxSamples:          maxSamples,
		maxSamplesPerStream: maxSamplesPerStream,
		rateLimiterTimeout:  opts.RateLimiterTimeout,
		workers:             workers,
		signature:           signature,
		logger:              logger,
		samples:             queue.New[*Sample](queueCapacity),
	}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(len(workers))
	for i, w := range workers {
		go s.runWorker(i, w)
	}
	return s
}

// GetNextTimestep returns the next row of the current sample, popping a new
// sample from the queue when the previous one is exhausted. The returned
// flag is true on the last timestep of a sample.
func (s *Sampler) GetNextTimestep() ([]tensor.Tensor, bool, error) {
	if err := s.maybeSampleNext(); err != nil {
		return nil, false, err
	}
	if !s.activeSample.IsComposedOfTimesteps() {
		return nil, false, status.Error(codes.InvalidArgument,
			"sampled trajectory cannot be decomposed into timesteps")
	}

	data, err := s.activeSample.NextTimestep()
	if err != nil {
		return nil, false, err
	}
	if err := validateAgainstSignature(data, s.signature, s.tableName, modeTimestep); err != nil {
		return nil, false, err
	}

	end := s.activeSample.EndOfSample()
	if end {
		s.incrementReturned()
	}
	return data, end, nil
}

// GetNextSample pops the next sample and materializes it as batched
// timesteps: metadata broadcast to the trajectory length followed by one
// concatenated tensor per column.
func (s *Sampler) GetNextSample() ([]tensor.Tensor, error) {
	sample, err := s.popNextSample()
	if err != nil {
		return nil, err
	}
	data, err := sample.AsBatchedTimesteps()
	if err != nil {
		return nil, err
	}
	if err := validateAgainstSignature(data, s.signature, s.tableName, modeBatchedTimestep); err != nil {
		return nil, err
	}
	s.incrementReturned()
	return data, nil
}

// GetNextTrajectory pops the next sample and materializes it as a
// trajectory: scalar metadata followed by the column tensors, with squeezed
// columns losing their unit leading dimension.
func (s *Sampler) GetNextTrajectory() ([]tensor.Tensor, error) {
	sample, err := s.popNextSample()
	if err != nil {
		return nil, err
	}
	data, err := sample.AsTrajectory()
	if err != nil {
		return nil, err
	}
	if err := validateAgainstSignature(data, s.signature, s.tableName, modeTrajectory); err != nil {
		return nil, err
	}
	s.incrementReturned()
	return data, nil
}

// Close cancels all workers, closes the queue and joins the worker
// goroutines. Safe to call more than once and concurrently with consumer
// calls.
func (s *Sampler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, w := range s.workers {
		w.Cancel()
	}
	s.samples.Close()
	s.wg.Wait()
}

func (s *Sampler) maybeSampleNext() error {
	if s.activeSample != nil && !s.activeSample.EndOfSample() {
		return nil
	}
	sample, err := s.popNextSample()
	if err != nil {
		return err
	}
	s.activeSample = sample
	return nil
}

func (s *Sampler) popNextSample() (*Sample, error) {
	// Once Close has been called, samples still buffered in the queue are
	// not handed out.
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	var sample *Sample
	if !closed && s.samples.Pop(&sample) {
		return sample, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.returned == s.maxSamples {
		return nil, status.Error(codes.OutOfRange, "max_samples already returned")
	}
	if s.closed {
		return nil, status.Error(codes.Canceled, "sampler has been cancelled")
	}
	if s.workerStatus != nil {
		return nil, s.workerStatus
	}
	return nil, status.Error(codes.Internal, "sample queue closed without a status")
}

func (s *Sampler) incrementReturned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returned++
	if s.returned == s.maxSamples {
		s.samples.Close()
	}
	s.cond.Broadcast()
}

// shouldStopLocked is the worker stop predicate. Callers hold s.mu.
func (s *Sampler) shouldStopLocked() bool {
	return s.closed || s.returned == s.maxSamples || s.workerStatus != nil
}

// runWorker dispatches quota to one worker until the sampler stops. A broken
// stream refunds the undelivered part of its quota so another attempt (by
// this worker or a sibling) can pick it up.
func (s *Sampler) runWorker(id int, w samplerWorker) {
	defer s.wg.Done()
	logger := s.logger.With().Int("worker", id).Str("table", s.tableName).Logger()

	for {
		s.mu.Lock()
		for !s.shouldStopLocked() && s.requested >= s.maxSamples {
			s.cond.Wait()
		}
		if s.shouldStopLocked() {
			s.mu.Unlock()
			return
		}
		quota := minInt64(s.maxSamplesPerStream, s.maxSamples-s.requested)
		s.requested += quota
		s.mu.Unlock()

		produced, err := w.FetchSamples(s.samples, quota, s.rateLimiterTimeout)

		s.mu.Lock()
		s.requested -= quota - produced
		s.cond.Broadcast()
		if s.workerStatus == nil && err != nil && !isTransient(err) {
			s.workerStatus = err
			s.mu.Unlock()
			logger.Error().Err(err).Int64("produced", produced).
				Msg("worker failed with non-transient status")
			s.samples.Close()
			return
		}
		s.mu.Unlock()

		if err != nil && isTransient(err) {
			logger.Warn().Err(err).Int64("produced", produced).
				Msg("stream failed with transient status; reopening")
		}
	}
}

// isTransient reports whether a fetch status may be retried on a fresh
// stream. Unavailable covers planned server restarts and must not poison
// long-running training jobs.
func isTransient(err error) bool {
	return status.Code(err) == codes.Unavailable
}
