// Package jobs runs document-processing jobs on an asynchronous worker
// pool.
//
// The pool decouples job execution from the API's HTTP hot path: submitting
// a document returns a job id immediately, and the job's chunks are then
// processed sequentially by one worker while other jobs proceed in parallel
// on the remaining workers. One job never spans two workers, which is what
// keeps its chunk order strict.
package jobs

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/inkstonelab/koma/pkg/chunk"
	"github.com/inkstonelab/koma/pkg/pipeline"
)

var (
	defaultNumWorkers   uint = 3
	defaultJobQueueSize uint = 64
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the tracked state of one submitted job.
type Record struct {
	ID          string           `json:"id"`
	Status      Status           `json:"status"`
	Chunks      int              `json:"chunks"`
	SubmittedAt time.Time        `json:"submitted_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	Result      *pipeline.Result `json:"result,omitempty"`
}

// job is the internal unit of work carried on the queue.
type job struct {
	id     string
	chunks []chunk.Chunk
}

// Config is the configuration options for the job runner.
type Config struct {
	// Pipeline executes each job's chunks. Required.
	Pipeline *pipeline.Pipeline

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 64).
	QueueSize uint

	// Logger is the provided zap logger.
	Logger *zap.Logger
}

// Runner processes jobs asynchronously via a worker pool and tracks their
// records for status queries.
type Runner struct {
	config *Config
	queue  chan job
	wg     sync.WaitGroup
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

// NewRunner creates a new runner and starts its worker goroutines.
func NewRunner(c *Config) (*Runner, error) {
	if c.Pipeline == nil {
		return nil, fmt.Errorf("job runner requires a pipeline")
	}

	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	r := &Runner{
		config:  c,
		queue:   make(chan job, c.QueueSize),
		logger:  c.Logger,
		records: make(map[string]*Record),
	}

	r.wg.Add(int(c.NumWorkers))
	for i := uint(0); i < c.NumWorkers; i++ {
		go r.worker(i)
	}

	return r, nil
}

// Submit chunks a document, enqueues it, and returns the new job's record.
// Returns an error when the queue is full; nothing is tracked in that case.
func (r *Runner) Submit(text string) (*Record, error) {
	chunks := chunk.Split(text, chunk.DefaultOptions())
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document is empty")
	}

	rec := &Record{
		ID:          ulid.MustNew(ulid.Now(), rand.Reader).String(),
		Status:      StatusQueued,
		Chunks:      len(chunks),
		SubmittedAt: time.Now().UTC(),
	}

	// The record must be tracked before the job is visible to a worker: a
	// fast job could otherwise finish while this goroutine is preempted,
	// and its terminal status update would hit a missing record.
	r.mu.Lock()
	r.records[rec.ID] = rec
	r.mu.Unlock()

	select {
	case r.queue <- job{id: rec.ID, chunks: chunks}:
	default:
		r.mu.Lock()
		delete(r.records, rec.ID)
		r.mu.Unlock()
		r.logger.Error("job not queued, queue full",
			zap.Int("chunks", len(chunks)),
		)
		return nil, fmt.Errorf("job queue is full")
	}

	r.logger.Debug("job queued",
		zap.String("job_id", rec.ID),
		zap.Int("chunks", len(chunks)),
	)

	return rec.snapshot(), nil
}

// Get returns a copy of a job's record.
func (r *Runner) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}

	return rec.snapshot(), true
}

// List returns copies of all tracked records.
func (r *Runner) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.snapshot())
	}

	return out
}

// Close signals workers to stop and waits for in-flight jobs to drain.
// Call this during graceful shutdown after the API server has stopped.
func (r *Runner) Close() {
	close(r.queue)
	r.wg.Wait()
}

// worker is the inner worker thread that continuously pulls jobs off the queue.
func (r *Runner) worker(id uint) {
	defer r.wg.Done()
	r.logger.Debug("worker started", zap.Uint("worker_id", id))

	for j := range r.queue {
		r.processJob(j)
	}

	r.logger.Debug("worker stopped", zap.Uint("worker_id", id))
}

// processJob runs one job through the pipeline and records the outcome.
func (r *Runner) processJob(j job) {
	ctx := context.Background()

	r.setStatus(j.id, StatusRunning, nil, "")

	result, err := r.config.Pipeline.Run(ctx, j.id, j.chunks)
	if err != nil {
		r.logger.Error("job failed",
			zap.String("job_id", j.id),
			zap.Error(err),
		)
		r.setStatus(j.id, StatusFailed, nil, err.Error())
		return
	}

	r.logger.Info("job completed",
		zap.String("job_id", j.id),
		zap.Int("chunks_failed", result.Metrics.ChunksFailed),
		zap.Int("characters", len(result.Roster)),
	)
	r.setStatus(j.id, StatusCompleted, result, "")
}

func (r *Runner) setStatus(id string, status Status, result *pipeline.Result, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return
	}

	rec.Status = status
	rec.Error = errMsg
	if result != nil {
		rec.Result = result
	}
	if status == StatusCompleted || status == StatusFailed {
		now := time.Now().UTC()
		rec.FinishedAt = &now
	}
}

// snapshot returns a shallow copy safe to hand to callers. The result
// pointer is shared but never mutated after the job finishes.
func (rec *Record) snapshot() *Record {
	cp := *rec
	return &cp
}
