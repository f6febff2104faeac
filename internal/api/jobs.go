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
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"scribe/internal/media"
	"scribe/internal/store"
	"scribe/pkg/transcribe"
)

// handleCreateJob accepts a new job from a url form field or a multipart
// file upload. Exactly one source is required.
func (h *Handler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes())

	// ParseMultipartForm falls through to ParseForm for urlencoded bodies.
	if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}

	url := r.FormValue("url")
	webhookURL := r.FormValue("webhook_url")

	var upload io.ReadCloser
	var uploadName string
	if r.MultipartForm != nil {
		if file, header, err := r.FormFile("file"); err == nil {
			upload = file
			uploadName = header.Filename
			defer file.Close()
		}
	}

	if url == "" && upload == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "either 'url' or 'file' must be provided")
		return
	}
	if url != "" && !media.ValidURL(url) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid media URL")
		return
	}
	if webhookURL != "" && !media.ValidURL(webhookURL) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid webhook URL")
		return
	}

	job := transcribe.NewJob(url, "", webhookURL)

	if upload != nil {
		name := media.SanitizeFilename(uploadName)
		if name == "" {
			name = job.ID + ".bin"
		}
		job.Filename = name

		if err := h.proc.EnsureJobDirs(job.ID); err != nil {
			h.log.Error("create job dirs", "job_id", job.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to store upload")
			return
		}
		dst := filepath.Join(h.proc.JobDir(job.ID), "input", name)
		if err := saveUpload(dst, upload); err != nil {
			h.log.Error("save upload", "job_id", job.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to store upload")
			return
		}
		job.InputPath = dst
	}

	if err := h.proc.Submit(r.Context(), &job); err != nil {
		h.log.Error("submit job", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to submit job")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"job_id":  job.ID,
		"status":  transcribe.StatusQueued.String(),
		"message": "Job submitted successfully",
	})
}

func saveUpload(dst string, src io.Reader) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.ToResponse(baseURL(r)))
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "offset must be non-negative")
			return
		}
		offset = v
	}

	var statusFilter *transcribe.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := transcribe.Status(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status: %s", raw))
			return
		}
		statusFilter = &status
	}

	jobs, err := h.store.List(r.Context(), statusFilter, limit, offset)
	if err != nil {
		h.log.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}
	total, err := h.store.Count(r.Context(), statusFilter)
	if err != nil {
		h.log.Error("count jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}

	base := baseURL(r)
	responses := make([]transcribe.JobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, job.ToResponse(base))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   responses,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if err := h.proc.Delete(r.Context(), job.ID); err != nil {
		h.log.Error("delete job", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDownload streams one rendered output. 400 for jobs that have not
// completed, 404 when the artifact is missing from disk.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	var path, contentType string
	switch format {
	case "json":
		path, contentType = job.OutputJSON, "application/json"
	case "txt":
		path, contentType = job.OutputTXT, "text/plain; charset=utf-8"
	case "srt":
		path, contentType = job.OutputSRT, "text/plain; charset=utf-8"
	case "md":
		path, contentType = job.OutputMD, "text/markdown; charset=utf-8"
	default:
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown format: %s", format))
		return
	}

	if job.Status != transcribe.StatusCompleted {
		writeError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("job not completed, current status: %s", job.Status))
		return
	}
	if path == "" {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no output for format: %s", format))
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("output file missing for format: %s", format))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+"."+format))
	http.ServeFile(w, r, path)
}

// loadJob resolves the {id} path value, writing the 404 envelope itself.
func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*transcribe.Job, bool) {
	id := r.PathValue("id")
	job, err := h.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return nil, false
	}
	if err != nil {
		h.log.Error("load job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load job")
		return nil, false
	}
	return job, true
}
