// Scribe is a media transcription job service.
// Copyright (C) 2025 Scribe Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package processor owns the job queue and the single worker that drives
// the pipeline. Jobs run strictly one at a time: the model serializes
// inference anyway, so concurrent pipelines would only contend for the
// accelerator.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"scribe/internal/metrics"
	"scribe/internal/pipeline"
	"scribe/internal/store"
	"scribe/pkg/transcribe"
)

// QueueStatus is the processor's telemetry snapshot.
type QueueStatus struct {
	Size         int    `json:"queue_size"`
	CurrentJobID string `json:"current_job,omitempty"`
	Running      bool   `json:"processing"`
}

// Processor queues submitted jobs and executes them FIFO on one worker.
type Processor struct {
	store     *store.Store
	runner    *pipeline.Runner
	dataDir   string
	retention time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	queue   []string
	current string
	running bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New returns a Processor. Call Start before submitting jobs.
func New(st *store.Store, runner *pipeline.Runner, dataDir string, retention time.Duration, log *slog.Logger) *Processor {
	return &Processor{
		store:     st,
		runner:    runner,
		dataDir:   dataDir,
		retention: retention,
		log:       log,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// JobDir returns the per-job directory under the data dir.
func (p *Processor) JobDir(jobID string) string {
	return filepath.Join(p.dataDir, "jobs", jobID)
}

// EnsureJobDirs creates the job's input/, output/, and logs/ directories.
// Callers that persist an uploaded file do this before Submit.
func (p *Processor) EnsureJobDirs(jobID string) error {
	base := p.JobDir(jobID)
	for _, sub := range []string{"input", "output", "logs"} {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o755); err != nil {
			return fmt.Errorf("create job dirs: %w", err)
		}
	}
	return nil
}

// Start recovers persisted state and launches the worker loop. Recovery
// re-enqueues queued rows in FIFO order; rows caught mid-pipeline are
// failed outright because collaborator state is not journalled and the
// stages cannot be safely resumed.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.recover(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	go p.loop()
	p.log.Info("job processor started")
	return nil
}

// Stop shuts the worker down, waiting for any in-flight job to finish or
// ctx to expire.
func (p *Processor) Stop(ctx context.Context) error {
	close(p.stop)

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.log.Info("job processor stopped")
	return nil
}

// Submit persists job with a fresh retention stamp and enqueues it.
func (p *Processor) Submit(ctx context.Context, job *transcribe.Job) error {
	if err := p.EnsureJobDirs(job.ID); err != nil {
		return err
	}

	expires := time.Now().UTC().Add(p.retention)
	job.ExpiresAt = &expires

	if err := p.store.Create(ctx, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}

	p.enqueue(job.ID)
	metrics.IncJobSubmitted()
	p.log.Info("job submitted", "job_id", job.ID, "url", job.URL, "filename", job.Filename)
	return nil
}

// Delete removes the job row and its on-disk directory tree. Idempotent:
// deleting an unknown job is not an error.
func (p *Processor) Delete(ctx context.Context, jobID string) error {
	if err := os.RemoveAll(p.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	if err := p.store.Delete(ctx, jobID); err != nil {
		return err
	}
	p.log.Info("job deleted", "job_id", jobID)
	return nil
}

// CleanupExpired deletes every job whose retention window has passed and
// returns the count.
func (p *Processor) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := p.store.Expired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, job := range expired {
		if err := p.Delete(ctx, job.ID); err != nil {
			p.log.Error("delete expired job", "job_id", job.ID, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		p.log.Info("retention sweep", "deleted", deleted)
	}
	return deleted, nil
}

// Status returns the queue telemetry snapshot.
func (p *Processor) Status() QueueStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return QueueStatus{
		Size:         len(p.queue),
		CurrentJobID: p.current,
		Running:      p.running,
	}
}

func (p *Processor) recover(ctx context.Context) error {
	orphans, err := p.store.InProgress(ctx)
	if err != nil {
		return fmt.Errorf("scan in-progress jobs: %w", err)
	}
	for _, job := range orphans {
		now := time.Now().UTC()
		job.Status = transcribe.StatusFailed
		job.Stage = transcribe.StatusFailed
		job.FailedAt = &now
		job.Error = &transcribe.ErrorInfo{
			Type:    transcribe.ErrTypeProcessing,
			Message: "interrupted",
		}
		if err := p.store.Update(ctx, job); err != nil {
			return fmt.Errorf("reclassify orphan %s: %w", job.ID, err)
		}
		p.log.Warn("reclassified interrupted job", "job_id", job.ID)
	}

	queued, err := p.store.Queued(ctx)
	if err != nil {
		return fmt.Errorf("scan queued jobs: %w", err)
	}
	for _, job := range queued {
		p.enqueue(job.ID)
	}
	if len(queued) > 0 {
		p.log.Info("re-enqueued persisted jobs", "count", len(queued))
	}
	return nil
}

func (p *Processor) enqueue(jobID string) {
	p.mu.Lock()
	p.queue = append(p.queue, jobID)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) dequeue() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", false
	}
	id := p.queue[0]
	p.queue = p.queue[1:]
	return id, true
}

func (p *Processor) loop() {
	defer close(p.done)

	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}

		for {
			select {
			case <-p.stop:
				return
			default:
			}

			id, ok := p.dequeue()
			if !ok {
				break
			}
			p.process(id)
		}
	}
}

// process runs one dequeued job. Jobs deleted while waiting in the queue
// show up as ErrNotFound or a non-queued status and are skipped.
func (p *Processor) process(jobID string) {
	ctx := context.Background()

	job, err := p.store.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		p.log.Error("load queued job", "job_id", jobID, "error", err)
		return
	}
	if job.Status != transcribe.StatusQueued {
		return
	}

	p.mu.Lock()
	p.current = jobID
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.current = ""
		p.mu.Unlock()
	}()

	p.runJob(ctx, job)
}

// runJob isolates one pipeline run so a panicking collaborator fails the
// job instead of killing the worker.
func (p *Processor) runJob(ctx context.Context, job *transcribe.Job) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		p.log.Error("pipeline panicked", "job_id", job.ID, "panic", rec)
		now := time.Now().UTC()
		job.Status = transcribe.StatusFailed
		job.Stage = transcribe.StatusFailed
		job.FailedAt = &now
		job.Error = &transcribe.ErrorInfo{
			Type:    transcribe.ErrTypeProcessing,
			Message: fmt.Sprintf("panic: %v", rec),
		}
		if err := p.store.Update(ctx, job); err != nil {
			p.log.Error("persist panic failure", "job_id", job.ID, "error", err)
		}
	}()

	p.runner.Run(ctx, job, p.JobDir(job.ID))
}
