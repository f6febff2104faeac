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

// Package whisper manages the speech-to-text model lifecycle. The model is
// an expensive singleton: it loads lazily on first use, serves one inference
// at a time, and unloads after a configurable idle period to release memory.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scribe/internal/config"
	"scribe/internal/metrics"
	"scribe/pkg/transcribe"
)

var (
	// ErrLoad indicates the model could not be loaded.
	ErrLoad = errors.New("model load failed")
	// ErrInference indicates the engine failed during transcription.
	ErrInference = errors.New("transcription failed")
)

// Engine is the inference backend behind the Manager. Implementations are
// not required to be safe for concurrent use; the Manager serializes all
// calls.
type Engine interface {
	// Load prepares the model for inference.
	Load(ctx context.Context, model string) error
	// Unload releases the model and its memory.
	Unload(ctx context.Context) error
	// Transcribe runs inference over a 16kHz mono WAV file.
	Transcribe(ctx context.Context, audioPath string, opts config.WhisperSettings) (*transcribe.Result, error)
}

// ModelStatus is a point-in-time view of the managed model. IdleTimeout is
// the configured unload window in seconds.
type ModelStatus struct {
	Loaded      bool       `json:"loaded"`
	Model       string     `json:"model"`
	IdleTimeout float64    `json:"idle_timeout"`
	LoadedAt    *time.Time `json:"loaded_at,omitempty"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}

// Manager owns the singleton model. opMu serializes load, unload, and
// inference so at most one of them runs at a time; mu guards the small
// status fields so Status stays responsive during a long transcription.
type Manager struct {
	engine Engine
	model  string
	opts   config.WhisperSettings
	idle   time.Duration
	log    *slog.Logger

	opMu sync.Mutex

	mu          sync.Mutex
	loaded      bool
	loadedAt    time.Time
	lastUsed    time.Time
	unloadTimer *time.Timer
}

// NewManager returns a Manager over engine. The model is not loaded until
// the first Transcribe call.
func NewManager(engine Engine, model string, opts config.WhisperSettings, idle time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		engine: engine,
		model:  model,
		opts:   opts,
		idle:   idle,
		log:    log,
	}
}

// Transcribe runs inference over audioPath, loading the model first if
// needed. durationSeconds is the media duration probed during extraction;
// together with the progress callback it drives a once-per-second estimate
// of transcription progress, capped at 95 until the engine returns. Either
// may be zero/nil to disable estimation.
func (m *Manager) Transcribe(ctx context.Context, audioPath string, durationSeconds int, progress func(int)) (*transcribe.Result, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.stopUnloadTimer()

	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	var estExited chan struct{}
	if progress != nil && durationSeconds > 0 {
		estExited = make(chan struct{})
		go func() {
			defer close(estExited)
			estimate(done, durationSeconds, progress)
		}()
	}

	start := time.Now()
	res, err := m.engine.Transcribe(ctx, audioPath, m.opts)
	close(done)
	if estExited != nil {
		// Join the estimator so no progress callback outlives this call.
		<-estExited
	}
	m.touch()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	m.log.Debug("transcription finished",
		"audio", audioPath,
		"segments", len(res.Segments),
		"took", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// Load makes the model resident ahead of the first job. Idempotent: a
// loaded model returns immediately.
func (m *Manager) Load(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.ensureLoaded(ctx)
}

// ScheduleUnload arms the idle timer. If no inference happens within the
// idle window the model is unloaded. Called by the pipeline after each
// completed job; a new Transcribe call disarms it.
func (m *Manager) ScheduleUnload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return
	}
	if m.unloadTimer != nil {
		m.unloadTimer.Stop()
	}
	m.unloadTimer = time.AfterFunc(m.idle, m.idleUnload)
}

// Unload forces the model out of memory immediately. No-op when not loaded.
func (m *Manager) Unload(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.unloadLocked(ctx)
}

// Status returns the current model state.
func (m *Manager) Status() ModelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := ModelStatus{Loaded: m.loaded, Model: m.model, IdleTimeout: m.idle.Seconds()}
	if m.loaded {
		loadedAt := m.loadedAt
		st.LoadedAt = &loadedAt
	}
	if !m.lastUsed.IsZero() {
		lastUsed := m.lastUsed
		st.LastUsed = &lastUsed
	}
	return st
}

// Close unloads the model during shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.unloadTimer != nil {
		m.unloadTimer.Stop()
		m.unloadTimer = nil
	}
	m.mu.Unlock()
	return m.Unload(ctx)
}

// ensureLoaded loads the model if it is not resident. Caller holds opMu.
func (m *Manager) ensureLoaded(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.loaded
	m.mu.Unlock()
	if loaded {
		return nil
	}

	m.log.Info("loading model", "model", m.model)
	start := time.Now()
	if err := m.engine.Load(ctx, m.model); err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}
	metrics.IncModelLoad()
	m.log.Info("model loaded", "model", m.model, "took", time.Since(start).Round(time.Millisecond))

	now := time.Now().UTC()
	m.mu.Lock()
	m.loaded = true
	m.loadedAt = now
	m.lastUsed = now
	m.mu.Unlock()
	return nil
}

// unloadLocked releases the model. Caller holds opMu.
func (m *Manager) unloadLocked(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.loaded
	if m.unloadTimer != nil {
		m.unloadTimer.Stop()
		m.unloadTimer = nil
	}
	m.mu.Unlock()
	if !loaded {
		return nil
	}

	if err := m.engine.Unload(ctx); err != nil {
		return fmt.Errorf("unload model: %w", err)
	}
	metrics.IncModelUnload()
	m.log.Info("model unloaded", "model", m.model)

	m.mu.Lock()
	m.loaded = false
	m.mu.Unlock()
	return nil
}

// idleUnload fires from the idle timer. It re-checks idleness under opMu:
// if a transcription slipped in after the timer fired, the unload is skipped.
func (m *Manager) idleUnload() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	idleFor := time.Since(m.lastUsed)
	loaded := m.loaded
	m.mu.Unlock()

	if !loaded || idleFor < m.idle {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.unloadLocked(ctx); err != nil {
		m.log.Error("idle unload failed", "error", err)
	}
}

func (m *Manager) stopUnloadTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloadTimer != nil {
		m.unloadTimer.Stop()
		m.unloadTimer = nil
	}
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastUsed = time.Now().UTC()
	m.mu.Unlock()
}

// estimate emits a progress value once per second until done closes. The
// expected transcription time is duration/8 (the engine typically runs at
// roughly 8x realtime); the estimate never exceeds 95 so the final jump to
// 100 is reserved for actual completion.
func estimate(done <-chan struct{}, durationSeconds int, progress func(int)) {
	expected := float64(durationSeconds) / 8.0
	if expected <= 0 {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			progress(EstimateProgress(time.Since(start).Seconds(), expected))
		}
	}
}

// EstimateProgress maps elapsed inference time against the expected total
// to a percentage in [0, 95].
func EstimateProgress(elapsedSeconds, expectedSeconds float64) int {
	if expectedSeconds <= 0 {
		return 0
	}
	p := int(elapsedSeconds / expectedSeconds * 95)
	if p > 95 {
		p = 95
	}
	if p < 0 {
		p = 0
	}
	return p
}
