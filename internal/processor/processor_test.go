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

package processor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"scribe/internal/pipeline"
	"scribe/internal/store"
	"scribe/pkg/transcribe"
)

type fakeFetcher struct{}

func (fakeFetcher) Fetch(ctx context.Context, url, destDir, jobID string, progress func(int)) (*pipeline.FetchOutput, error) {
	path := filepath.Join(destDir, jobID+".mp4")
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		return nil, err
	}
	return &pipeline.FetchOutput{Path: path}, nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, sourcePath, destDir, jobID string, progress func(int)) (*pipeline.ExtractOutput, error) {
	path := filepath.Join(destDir, jobID+".wav")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		return nil, err
	}
	return &pipeline.ExtractOutput{Path: path, DurationSeconds: 1}, nil
}

// orderedTranscriber records the order jobs reach the transcribe stage.
type orderedTranscriber struct {
	mu    sync.Mutex
	order []string
}

func (o *orderedTranscriber) Transcribe(ctx context.Context, audioPath string, durationSeconds int, progress func(int)) (*transcribe.Result, error) {
	base := filepath.Base(audioPath)
	o.mu.Lock()
	o.order = append(o.order, strings.TrimSuffix(base, ".wav"))
	o.mu.Unlock()
	return &transcribe.Result{
		Text:     "hello",
		Language: "en",
		Segments: []transcribe.Segment{{Start: 0, End: 1, Text: "hello"}},
	}, nil
}

func (o *orderedTranscriber) ScheduleUnload() {}

func (o *orderedTranscriber) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

// panicTranscriber blows up on its first call and behaves afterwards.
type panicTranscriber struct {
	mu    sync.Mutex
	calls int
}

func (p *panicTranscriber) Transcribe(ctx context.Context, audioPath string, durationSeconds int, progress func(int)) (*transcribe.Result, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()
	if first {
		panic("segment table corrupted")
	}
	return &transcribe.Result{
		Text:     "hello",
		Language: "en",
		Segments: []transcribe.Segment{{Start: 0, End: 1, Text: "hello"}},
	}, nil
}

func (p *panicTranscriber) ScheduleUnload() {}

type fakeRenderer struct{}

func (fakeRenderer) Render(result *transcribe.Result, destDir, jobID string, meta pipeline.RenderMetadata) (map[string]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	paths := make(map[string]string)
	for _, format := range []string{"json", "txt", "srt", "md"} {
		path := filepath.Join(destDir, jobID+"."+format)
		if err := os.WriteFile(path, []byte(format), 0o644); err != nil {
			return nil, err
		}
		paths[format] = path
	}
	return paths, nil
}

type harness struct {
	store       *store.Store
	transcriber *orderedTranscriber
	processor   *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	transcriber := &orderedTranscriber{}
	runner := pipeline.NewRunner(st, fakeFetcher{}, fakeExtractor{}, transcriber, fakeRenderer{}, nil, log)

	return &harness{
		store:       st,
		transcriber: transcriber,
		processor:   New(st, runner, dir, 7*24*time.Hour, log),
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.processor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.processor.Stop(ctx)
	})
}

func (h *harness) waitTerminal(t *testing.T, jobID string) *transcribe.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.store.Get(context.Background(), jobID)
		if err == nil && job.Status.IsTerminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func TestSubmitAndProcessFIFO(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.start(t)

	var ids []string
	for i := 0; i < 3; i++ {
		job := transcribe.NewJob("https://example.com/clip.mp4", "", "")
		// Spread created_at so FIFO order is unambiguous.
		job.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if err := h.processor.Submit(ctx, &job); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, job.ID)
	}

	for _, id := range ids {
		job := h.waitTerminal(t, id)
		if job.Status != transcribe.StatusCompleted {
			t.Fatalf("job %s status = %q (error: %+v)", id, job.Status, job.Error)
		}
		if job.ExpiresAt == nil {
			t.Fatalf("job %s missing expires_at", id)
		}
	}

	seen := h.transcriber.seen()
	if len(seen) != 3 {
		t.Fatalf("processed %d jobs, want 3", len(seen))
	}
	for i, id := range ids {
		if seen[i] != id {
			t.Fatalf("processing order = %v, want %v", seen, ids)
		}
	}
}

func TestSubmitCreatesJobDirs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	job := transcribe.NewJob("https://example.com/clip.mp4", "", "")
	if err := h.processor.Submit(ctx, &job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	for _, sub := range []string{"input", "output", "logs"} {
		dir := filepath.Join(h.processor.JobDir(job.ID), sub)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("missing job dir %s: %v", dir, err)
		}
	}
}

func TestRecoveryRequeuesAndReclassifies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Persisted state from a previous run: two queued, one caught
	// mid-transcription.
	queued1 := transcribe.NewJob("https://example.com/a.mp4", "", "")
	queued1.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	queued2 := transcribe.NewJob("https://example.com/b.mp4", "", "")
	queued2.CreatedAt = time.Now().UTC().Add(-1 * time.Minute)
	orphan := transcribe.NewJob("https://example.com/c.mp4", "", "")
	orphan.Status = transcribe.StatusTranscribing
	orphan.Stage = transcribe.StatusTranscribing
	started := time.Now().UTC().Add(-90 * time.Second)
	orphan.StartedAt = &started

	for _, job := range []*transcribe.Job{&queued1, &queued2, &orphan} {
		if err := h.store.Create(ctx, job); err != nil {
			t.Fatalf("seed job: %v", err)
		}
	}

	h.start(t)

	got := h.waitTerminal(t, orphan.ID)
	if got.Status != transcribe.StatusFailed {
		t.Fatalf("orphan status = %q, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Type != transcribe.ErrTypeProcessing || got.Error.Message != "interrupted" {
		t.Fatalf("orphan error = %+v, want processing_error/interrupted", got.Error)
	}

	for _, id := range []string{queued1.ID, queued2.ID} {
		got := h.waitTerminal(t, id)
		if got.Status != transcribe.StatusCompleted {
			t.Fatalf("requeued job %s status = %q (error: %+v)", id, got.Status, got.Error)
		}
	}

	seen := h.transcriber.seen()
	if len(seen) != 2 || seen[0] != queued1.ID || seen[1] != queued2.ID {
		t.Fatalf("recovery order = %v, want [%s %s]", seen, queued1.ID, queued2.ID)
	}
}

func TestDeleteRemovesRowAndDirs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	job := transcribe.NewJob("https://example.com/clip.mp4", "", "")
	if err := h.processor.Submit(ctx, &job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := h.processor.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(h.processor.JobDir(job.ID)); !os.IsNotExist(err) {
		t.Fatal("job dir still present after Delete")
	}
	if _, err := h.store.Get(ctx, job.ID); err == nil {
		t.Fatal("job row still present after Delete")
	}

	// Idempotent
	if err := h.processor.Delete(ctx, job.ID); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
}

func TestDeletedQueuedJobIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	job := transcribe.NewJob("https://example.com/clip.mp4", "", "")
	if err := h.processor.Submit(ctx, &job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	// Delete before the worker ever starts; the stale queue entry becomes
	// a tombstone the worker skips.
	if err := h.processor.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	h.start(t)
	time.Sleep(100 * time.Millisecond)

	if seen := h.transcriber.seen(); len(seen) != 0 {
		t.Fatalf("deleted job was processed: %v", seen)
	}
}

func TestPanicFailsJobAndKeepsWorkerAlive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := pipeline.NewRunner(st, fakeFetcher{}, fakeExtractor{}, &panicTranscriber{}, fakeRenderer{}, nil, log)
	proc := New(st, runner, dir, 7*24*time.Hour, log)

	if err := proc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = proc.Stop(stopCtx)
	})

	first := transcribe.NewJob("https://example.com/a.mp4", "", "")
	first.CreatedAt = time.Now().UTC().Add(-time.Minute)
	second := transcribe.NewJob("https://example.com/b.mp4", "", "")
	for _, job := range []*transcribe.Job{&first, &second} {
		if err := proc.Submit(ctx, job); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	wait := func(id string) *transcribe.Job {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			job, err := st.Get(ctx, id)
			if err == nil && job.Status.IsTerminal() {
				return job
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("job %s never reached a terminal state", id)
		return nil
	}

	got := wait(first.ID)
	if got.Status != transcribe.StatusFailed {
		t.Fatalf("panicked job status = %q, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Type != transcribe.ErrTypeProcessing {
		t.Fatalf("panicked job error = %+v, want processing_error", got.Error)
	}
	if !strings.Contains(got.Error.Message, "panic") {
		t.Fatalf("panicked job message = %q, want panic detail", got.Error.Message)
	}

	// The worker survives the panic and drains the rest of the queue.
	if got := wait(second.ID); got.Status != transcribe.StatusCompleted {
		t.Fatalf("follow-up job status = %q (error: %+v)", got.Status, got.Error)
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	expired := transcribe.NewJob("https://example.com/old.mp4", "", "")
	expired.Status = transcribe.StatusCompleted
	expired.Stage = transcribe.StatusCompleted
	expired.ExpiresAt = &past

	live := transcribe.NewJob("https://example.com/new.mp4", "", "")
	live.Status = transcribe.StatusCompleted
	live.Stage = transcribe.StatusCompleted
	live.ExpiresAt = &future

	for _, job := range []*transcribe.Job{&expired, &live} {
		if err := h.store.Create(ctx, job); err != nil {
			t.Fatalf("seed job: %v", err)
		}
		if err := h.processor.EnsureJobDirs(job.ID); err != nil {
			t.Fatalf("ensure dirs: %v", err)
		}
	}

	deleted, err := h.processor.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, err := h.store.Get(ctx, expired.ID); err == nil {
		t.Fatal("expired job still present")
	}
	if _, err := h.store.Get(ctx, live.ID); err != nil {
		t.Fatalf("live job was deleted: %v", err)
	}
}

func TestQueueStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	st := h.processor.Status()
	if st.Running {
		t.Fatal("processor reported running before Start")
	}

	job := transcribe.NewJob("https://example.com/clip.mp4", "", "")
	if err := h.processor.Submit(ctx, &job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if st := h.processor.Status(); st.Size != 1 {
		t.Fatalf("queue size = %d, want 1", st.Size)
	}

	h.start(t)
	h.waitTerminal(t, job.ID)

	st = h.processor.Status()
	if !st.Running {
		t.Fatal("processor not reported running")
	}
	if st.Size != 0 || st.CurrentJobID != "" {
		t.Fatalf("status after drain = %+v, want empty idle queue", st)
	}
}
