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

// Package api implements the HTTP surface: job submission and status, output
// downloads, health, and the password-gated admin routes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"scribe/internal/config"
	"scribe/internal/metrics"
	"scribe/internal/processor"
	"scribe/internal/whisper"
	"scribe/pkg/auth"
	"scribe/pkg/transcribe"
)

// JobStore is the read side the API needs from the persistence layer.
type JobStore interface {
	Get(ctx context.Context, id string) (*transcribe.Job, error)
	List(ctx context.Context, status *transcribe.Status, limit, offset int) ([]*transcribe.Job, error)
	Count(ctx context.Context, status *transcribe.Status) (int, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// JobProcessor is the write side: submission, deletion, and GC.
type JobProcessor interface {
	Submit(ctx context.Context, job *transcribe.Job) error
	Delete(ctx context.Context, jobID string) error
	CleanupExpired(ctx context.Context) (int, error)
	EnsureJobDirs(jobID string) error
	JobDir(jobID string) string
	Status() processor.QueueStatus
}

// ModelManager exposes the speech-to-text model state for health and admin
// views.
type ModelManager interface {
	Status() whisper.ModelStatus
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
}

// Handler holds the API dependencies.
type Handler struct {
	store JobStore
	proc  JobProcessor
	model ModelManager
	cfg   config.Settings
	log   *slog.Logger

	// bcrypt hash of the admin password, computed once at startup so each
	// admin request pays only the verify cost.
	adminHash string
}

// New constructs the Handler and hashes the admin password.
func New(store JobStore, proc JobProcessor, model ModelManager, cfg config.Settings, log *slog.Logger) (*Handler, error) {
	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return nil, err
	}
	return &Handler{
		store:     store,
		proc:      proc,
		model:     model,
		cfg:       cfg,
		log:       log,
		adminHash: hash,
	}, nil
}

// Router wires the HTTP routes.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/jobs", h.handleCreateJob)
	mux.HandleFunc("GET /api/jobs", h.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.handleDeleteJob)
	mux.HandleFunc("GET /api/jobs/{id}/download", h.handleDownload)

	mux.HandleFunc("GET /api/health", h.handleHealth)

	mux.HandleFunc("GET /api/admin/stats", h.requireAdmin(h.handleAdminStats))
	mux.HandleFunc("POST /api/admin/cleanup", h.requireAdmin(h.handleAdminCleanup))
	mux.HandleFunc("POST /api/admin/model/load", h.requireAdmin(h.handleAdminModelLoad))
	mux.HandleFunc("POST /api/admin/model/unload", h.requireAdmin(h.handleAdminModelUnload))

	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// requireAdmin gates a handler behind the X-Admin-Password header.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		password := r.Header.Get("X-Admin-Password")
		if password == "" || auth.VerifyPassword(password, h.adminHash) != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin password")
			return
		}
		next(w, r)
	}
}

// jsonError is the standard error envelope.
type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("marshal JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Warn("write JSON response body", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, jsonError{Error: code, Message: message})
}

// baseURL reconstructs the externally visible base URL from the request.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
