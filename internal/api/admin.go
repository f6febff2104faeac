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

package api

import (
	"net/http"
)

// handleHealth reports liveness plus the model and queue snapshots.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"whisper": h.model.Status(),
		"queue":   h.proc.Status(),
	})
}

// handleAdminStats aggregates job counts by status with subsystem state.
func (h *Handler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		h.log.Error("count jobs by status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to aggregate stats")
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_jobs":     total,
		"jobs_by_status": counts,
		"model":          h.model.Status(),
		"queue":          h.proc.Status(),
		"retention_days": h.cfg.JobRetentionDays,
		"whisper_model":  h.cfg.WhisperModel,
	})
}

// handleAdminCleanup runs the retention GC on demand.
func (h *Handler) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.proc.CleanupExpired(r.Context())
	if err != nil {
		h.log.Error("retention cleanup", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted_count": deleted})
}

// handleAdminModelLoad warms the model ahead of the first job.
func (h *Handler) handleAdminModelLoad(w http.ResponseWriter, r *http.Request) {
	if err := h.model.Load(r.Context()); err != nil {
		h.log.Error("force model load", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "load failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "model loaded",
		"model":   h.model.Status(),
	})
}

// handleAdminModelUnload forces the model out of memory.
func (h *Handler) handleAdminModelUnload(w http.ResponseWriter, r *http.Request) {
	if err := h.model.Unload(r.Context()); err != nil {
		h.log.Error("force model unload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "model unloaded",
		"model":   h.model.Status(),
	})
}
