package playback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SampleInterval is the period between progress samples while playing
const SampleInterval = 100 * time.Millisecond

// CompletionThreshold is the minimum progress at which a position at or past
// the duration counts as end of playback
const CompletionThreshold = 0.99

// sampleFunc takes one sample. gen identifies the run that issued it so a tick
// from a cancelled run can be recognised and ignored.
type sampleFunc func(ctx context.Context, gen uint64)

// Reporter runs a periodic sampling task. At most one run exists at a time;
// starting while running replaces the current run.
type Reporter struct {
	interval time.Duration
	sample   sampleFunc
	logger   zerolog.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReporter creates a new Reporter instance
func NewReporter(interval time.Duration, sample sampleFunc, logger zerolog.Logger) *Reporter {
	if interval <= 0 {
		interval = SampleInterval
	}
	return &Reporter{
		interval: interval,
		sample:   sample,
		logger:   logger.With().Str("component", "reporter").Logger(),
	}
}

// Start cancels any current run and starts a new one, returning its generation
func (r *Reporter) Start() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()

	r.gen++
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(ctx, r.gen)
	return r.gen
}

// Stop cancels the current run. It is a no-op when nothing is running.
// A tick already in flight is neutralised because Active reports false for its
// generation from this point on.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Reporter) stopLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	r.gen++
}

// Active reports whether gen is the generation of the live run
func (r *Reporter) Active(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil && r.gen == gen
}

// Running reports whether a run is live
func (r *Reporter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Wait blocks until every run goroutine has exited.
// Must not be called while holding a lock the sample function acquires.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

// run samples immediately, then on every tick until ctx is cancelled
func (r *Reporter) run(ctx context.Context, gen uint64) {
	defer r.wg.Done()

	r.logger.Debug().
		Uint64("run", gen).
		Dur("interval", r.interval).
		Msg("Sampler started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sample(ctx, gen)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug().Uint64("run", gen).Msg("Sampler stopped")
			return
		case <-ticker.C:
			r.sample(ctx, gen)
		}
	}
}
