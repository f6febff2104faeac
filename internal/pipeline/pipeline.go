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

// Package pipeline drives one job through the transcription stages:
// download, extract, transcribe, format. Each stage writes its state and
// progress to the store; failures record a typed error and skip the rest.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"scribe/internal/metrics"
	"scribe/internal/store"
	"scribe/pkg/transcribe"
)

// Progress updates are coalesced: at most one store write per interval,
// except the terminal 100 which always flushes.
const progressFlushInterval = 250 * time.Millisecond

// FetchOutput is what a Fetcher returns for a downloaded source.
type FetchOutput struct {
	Path            string
	Title           string
	DurationSeconds int
}

// ExtractOutput is what an Extractor returns for an audio track.
type ExtractOutput struct {
	Path            string
	DurationSeconds int
}

// Fetcher downloads the job's source media into destDir.
type Fetcher interface {
	Fetch(ctx context.Context, url, destDir, jobID string, progress func(int)) (*FetchOutput, error)
}

// Extractor converts source media into engine-ready audio in destDir.
type Extractor interface {
	Extract(ctx context.Context, sourcePath, destDir, jobID string, progress func(int)) (*ExtractOutput, error)
}

// Transcriber runs speech-to-text over an audio file. ScheduleUnload arms
// the model's idle timer after a successful job.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, durationSeconds int, progress func(int)) (*transcribe.Result, error)
	ScheduleUnload()
}

// RenderMetadata carries job context into the rendered outputs.
type RenderMetadata struct {
	Title           string
	DurationSeconds int
}

// Renderer writes the output formats for a result. It must return exactly
// one path per supported format (json, txt, srt, md).
type Renderer interface {
	Render(result *transcribe.Result, destDir, jobID string, meta RenderMetadata) (map[string]string, error)
}

// Notifier delivers terminal-state webhooks.
type Notifier interface {
	Notify(ctx context.Context, job *transcribe.Job) error
}

// Runner executes the per-job state machine.
type Runner struct {
	store       *store.Store
	fetcher     Fetcher
	extractor   Extractor
	transcriber Transcriber
	renderer    Renderer
	notifier    Notifier
	log         *slog.Logger
}

// NewRunner wires a Runner from its collaborators. notifier may be nil to
// disable webhooks.
func NewRunner(st *store.Store, fetcher Fetcher, extractor Extractor, transcriber Transcriber, renderer Renderer, notifier Notifier, log *slog.Logger) *Runner {
	return &Runner{
		store:       st,
		fetcher:     fetcher,
		extractor:   extractor,
		transcriber: transcriber,
		renderer:    renderer,
		notifier:    notifier,
		log:         log,
	}
}

// Run drives job through the pipeline. jobDir is the per-job directory
// containing input/ and output/. The job row is updated in place; Run
// always leaves the job in a terminal state.
func (r *Runner) Run(ctx context.Context, job *transcribe.Job, jobDir string) {
	inputDir := filepath.Join(jobDir, "input")
	outputDir := filepath.Join(jobDir, "output")

	// Intermediate WAVs go after any terminal transition; rendered outputs
	// stay.
	defer r.cleanupIntermediate(inputDir)

	now := time.Now().UTC()
	job.StartedAt = &now

	// Stage 1: download, skipped for uploaded files.
	if job.URL != "" {
		sink := r.enterStage(ctx, job, transcribe.StatusDownloading)
		res, err := r.fetcher.Fetch(ctx, job.URL, inputDir, job.ID, sink.report)
		if err != nil {
			sink.observe()
			r.fail(ctx, job, transcribe.ErrTypeDownload, err)
			return
		}
		sink.finish(ctx)
		job.InputPath = res.Path
		if job.Filename == "" && res.Title != "" {
			job.Filename = res.Title
		}
		if res.DurationSeconds > 0 {
			job.DurationSeconds = res.DurationSeconds
		}
	}

	if job.InputPath == "" {
		r.fail(ctx, job, transcribe.ErrTypeProcessing, fmt.Errorf("no input file"))
		return
	}

	// Stage 2: extract audio.
	sink := r.enterStage(ctx, job, transcribe.StatusExtracting)
	extracted, err := r.extractor.Extract(ctx, job.InputPath, inputDir, job.ID, sink.report)
	if err != nil {
		sink.observe()
		r.fail(ctx, job, transcribe.ErrTypeExtraction, err)
		return
	}
	sink.finish(ctx)
	job.AudioPath = extracted.Path
	// The extractor measured the actual audio; its duration wins over
	// whatever the fetcher reported.
	if extracted.DurationSeconds > 0 {
		job.DurationSeconds = extracted.DurationSeconds
	}

	// Stage 3: transcribe.
	sink = r.enterStage(ctx, job, transcribe.StatusTranscribing)
	result, err := r.transcriber.Transcribe(ctx, job.AudioPath, job.DurationSeconds, sink.report)
	if err != nil {
		sink.observe()
		r.fail(ctx, job, transcribe.ErrTypeTranscription, err)
		return
	}
	sink.finish(ctx)

	// Stage 4: render outputs.
	sink = r.enterStage(ctx, job, transcribe.StatusFormatting)
	paths, err := r.renderer.Render(result, outputDir, job.ID, RenderMetadata{
		Title:           job.Filename,
		DurationSeconds: job.DurationSeconds,
	})
	if err != nil {
		sink.observe()
		r.fail(ctx, job, transcribe.ErrTypeProcessing, err)
		return
	}
	sink.finish(ctx)
	for _, format := range []string{"json", "txt", "srt", "md"} {
		if paths[format] == "" {
			r.fail(ctx, job, transcribe.ErrTypeProcessing, fmt.Errorf("renderer produced no %s output", format))
			return
		}
	}
	job.OutputJSON = paths["json"]
	job.OutputTXT = paths["txt"]
	job.OutputSRT = paths["srt"]
	job.OutputMD = paths["md"]

	r.complete(ctx, job)
}

// enterStage transitions the job to stage with progress reset to 0 and
// returns the progress sink for the stage's collaborator.
func (r *Runner) enterStage(ctx context.Context, job *transcribe.Job, stage transcribe.Status) *progressSink {
	job.Status = stage
	job.Stage = stage
	job.Progress = 0
	if err := r.store.Update(ctx, job); err != nil {
		r.log.Error("persist stage transition", "job_id", job.ID, "stage", stage, "error", err)
	}
	r.log.Info("stage transition", "job_id", job.ID, "stage", stage)
	return &progressSink{runner: r, job: job, started: time.Now()}
}

func (r *Runner) complete(ctx context.Context, job *transcribe.Job) {
	now := time.Now().UTC()
	job.Status = transcribe.StatusCompleted
	job.Stage = transcribe.StatusCompleted
	job.Progress = 100
	job.CompletedAt = &now
	if err := r.store.Update(ctx, job); err != nil {
		r.log.Error("persist completion", "job_id", job.ID, "error", err)
	}
	metrics.ObserveJobFinished(job.Status.String())
	r.log.Info("job completed", "job_id", job.ID, "duration_seconds", job.DurationSeconds)

	r.transcriber.ScheduleUnload()
	r.notify(job)
}

func (r *Runner) fail(ctx context.Context, job *transcribe.Job, errType string, cause error) {
	now := time.Now().UTC()
	job.Status = transcribe.StatusFailed
	job.Stage = transcribe.StatusFailed
	job.FailedAt = &now
	job.Error = &transcribe.ErrorInfo{Type: errType, Message: cause.Error()}
	if err := r.store.Update(ctx, job); err != nil {
		r.log.Error("persist failure", "job_id", job.ID, "error", err)
	}
	metrics.ObserveJobFinished(job.Status.String())
	r.log.Error("job failed", "job_id", job.ID, "type", errType, "error", cause)

	r.notify(job)
}

// notify hands the terminal job to the webhook dispatcher off the worker
// goroutine so delivery latency never stalls the pipeline.
func (r *Runner) notify(job *transcribe.Job) {
	if r.notifier == nil {
		return
	}
	snapshot := *job
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = r.notifier.Notify(ctx, &snapshot)
	}()
}

func (r *Runner) cleanupIntermediate(inputDir string) {
	matches, err := filepath.Glob(filepath.Join(inputDir, "*.wav"))
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			r.log.Warn("remove intermediate file", "path", path, "error", err)
		}
	}
}

// progressSink translates collaborator progress callbacks into store
// updates. Values are clamped to [0, 100], regressions within a stage are
// discarded, and writes are coalesced to one per flush interval. The
// terminal 100 always flushes.
type progressSink struct {
	runner  *Runner
	job     *transcribe.Job
	started time.Time

	last      int
	lastFlush time.Time
}

// report accepts a progress value from the collaborator. Collaborators call
// it from the worker goroutine or a stage-local helper goroutine; the
// single-worker model means no two stages report concurrently.
func (p *progressSink) report(v int) {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	if v < p.last {
		return
	}
	p.last = v

	now := time.Now()
	if v != 100 && now.Sub(p.lastFlush) < progressFlushInterval {
		return
	}
	p.lastFlush = now

	p.job.Progress = v
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.runner.store.Update(ctx, p.job); err != nil {
		p.runner.log.Warn("persist progress", "job_id", p.job.ID, "error", err)
	}
}

// observe records the stage duration metric without touching progress.
// Used on the failure path where the stage did not complete.
func (p *progressSink) observe() {
	metrics.ObserveStage(p.job.Stage.String(), time.Since(p.started))
}

// finish records the stage duration and flushes the final 100 before the
// next transition.
func (p *progressSink) finish(ctx context.Context) {
	p.observe()
	if p.job.Progress == 100 {
		return
	}
	p.job.Progress = 100
	if err := p.runner.store.Update(ctx, p.job); err != nil {
		p.runner.log.Warn("persist progress", "job_id", p.job.ID, "error", err)
	}
}
