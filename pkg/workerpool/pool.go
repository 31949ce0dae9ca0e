// Package workerpool runs claim batch jobs with bounded concurrency. Used by
// the EDI batch generator to fan out file generation without overwhelming the
// database or the filesystem.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of batch work, typically a single claim.
type Job struct {
	ID      string
	Payload interface{}
}

// Outcome reports how a job finished.
type Outcome struct {
	JobID   string
	Err     error
	Elapsed time.Duration
}

// JobFunc processes one job. A non-nil error marks the job failed.
type JobFunc func(ctx context.Context, job Job) error

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int
	// ShutdownTimeout bounds how long Stop waits for in-flight jobs
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sizing suitable for nightly batch generation.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       256,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool fans jobs out to a fixed set of workers.
type Pool struct {
	cfg    Config
	fn     JobFunc
	logger *zap.Logger

	jobs     chan Job
	outcomes chan Outcome
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
}

// New creates a pool; Start must be called before Submit.
func New(cfg Config, fn JobFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("job function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		fn:       fn,
		logger:   logger,
		jobs:     make(chan Job, cfg.QueueSize),
		outcomes: make(chan Outcome, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit enqueues a job, failing fast when the queue is full or the pool is
// shutting down.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// Outcomes returns the channel of finished jobs. Closed after Stop.
func (p *Pool) Outcomes() <-chan Outcome {
	return p.outcomes
}

// Stop drains the queue, waits for in-flight jobs up to the shutdown
// timeout, and closes the outcome channel.
func (p *Pool) Stop() {
	p.cancel()
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
	close(p.outcomes)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		start := time.Now()
		err := p.fn(p.ctx, job)
		elapsed := time.Since(start)

		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("job failed",
				zap.String("job_id", job.ID),
				zap.Int("worker_id", id),
				zap.Error(err))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}

		select {
		case p.outcomes <- Outcome{JobID: job.ID, Err: err, Elapsed: elapsed}:
		default:
			p.logger.Warn("outcome channel full, dropping outcome",
				zap.String("job_id", job.ID))
		}
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Workers   int
	QueueLen  int
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Workers:   p.cfg.Workers,
		QueueLen:  len(p.jobs),
	}
}
