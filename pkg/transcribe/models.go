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

// Package transcribe contains the shared data models for transcription jobs:
// the Job aggregate, its status/stage lifecycle, structured error info, and
// the transcription result types produced by the speech-to-text engine.
package transcribe

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Status is the lifecycle state of a transcription job.
// States advance strictly along:
// queued → downloading → extracting → transcribing → formatting → completed,
// with any non-terminal state able to transition to failed.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusDownloading  Status = "downloading"
	StatusExtracting   Status = "extracting"
	StatusTranscribing Status = "transcribing"
	StatusFormatting   Status = "formatting"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusExtracting,
		StatusTranscribing, StatusFormatting, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Index returns the ordinal position of the status within the pipeline,
// used to assert monotone stage progression. Failed sorts last.
func (s Status) Index() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusDownloading:
		return 1
	case StatusExtracting:
		return 2
	case StatusTranscribing:
		return 3
	case StatusFormatting:
		return 4
	case StatusCompleted:
		return 5
	case StatusFailed:
		return 6
	default:
		return -1
	}
}

// String returns the string value of the Status.
func (s Status) String() string { return string(s) }

// Error type constants for ErrorInfo.Type. validation, auth, and not-found
// errors are HTTP-layer only and never persisted on a job.
const (
	ErrTypeDownload      = "download_error"
	ErrTypeExtraction    = "extraction_error"
	ErrTypeTranscription = "transcription_error"
	ErrTypeProcessing    = "processing_error"
)

// ErrorInfo is the structured error recorded on a failed job.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Job represents a single transcription request and its lifecycle.
// Status and Stage share the same value space and are maintained in
// lock-step; observers may read either.
type Job struct {
	ID       string `json:"job_id" db:"job_id"`
	Status   Status `json:"status" db:"status"`
	Stage    Status `json:"stage" db:"stage"`
	Progress int    `json:"progress" db:"progress"`

	// Input
	URL        string `json:"url,omitempty" db:"url"`
	Filename   string `json:"filename,omitempty" db:"filename"`
	WebhookURL string `json:"webhook_url,omitempty" db:"webhook_url"`

	// Timestamps
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	FailedAt    *time.Time `json:"failed_at,omitempty" db:"failed_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	// Results
	DurationSeconds int        `json:"duration_seconds,omitempty" db:"duration_seconds"`
	Error           *ErrorInfo `json:"error,omitempty" db:"error_json"`

	// Paths
	InputPath  string `json:"input_path,omitempty" db:"input_path"`
	AudioPath  string `json:"audio_path,omitempty" db:"audio_path"`
	OutputJSON string `json:"output_json,omitempty" db:"output_json"`
	OutputTXT  string `json:"output_txt,omitempty" db:"output_txt"`
	OutputSRT  string `json:"output_srt,omitempty" db:"output_srt"`
	OutputMD   string `json:"output_md,omitempty" db:"output_md"`
}

// NewJob constructs a Job in the queued state with a fresh ID and timestamp.
func NewJob(url, filename, webhookURL string) Job {
	return Job{
		ID:         GenerateJobID(),
		Status:     StatusQueued,
		Stage:      StatusQueued,
		Progress:   0,
		URL:        url,
		Filename:   filename,
		WebhookURL: webhookURL,
		CreatedAt:  time.Now().UTC(),
	}
}

const jobIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateJobID returns a short, human-readable job identifier of the form
// JOB-XXXXXX where the suffix is six characters drawn uniformly from a
// cryptographic RNG. Bytes at or above the largest multiple of the alphabet
// size are rejected to avoid modulo bias.
func GenerateJobID() string {
	const suffixLen = 6
	// 252 = 7 * 36, the largest multiple of the alphabet size below 256.
	const limit = 256 - 256%len(jobIDAlphabet)

	id := make([]byte, 0, suffixLen)
	buf := make([]byte, 16)
	for len(id) < suffixLen {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand never fails on supported platforms
			panic(fmt.Sprintf("transcribe: rand.Read: %v", err))
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			id = append(id, jobIDAlphabet[int(b)%len(jobIDAlphabet)])
			if len(id) == suffixLen {
				break
			}
		}
	}
	return "JOB-" + string(id)
}

// Segment is a timestamped span of transcribed text.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the output of a transcription run.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
}

// JobResponse is the API status view of a Job.
type JobResponse struct {
	JobID           string            `json:"job_id"`
	Status          Status            `json:"status"`
	Stage           Status            `json:"stage"`
	Progress        int               `json:"progress"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at"`
	FailedAt        *time.Time        `json:"failed_at"`
	ExpiresAt       *time.Time        `json:"expires_at"`
	DurationSeconds int               `json:"duration_seconds"`
	Error           *ErrorInfo        `json:"error"`
	DownloadURLs    map[string]string `json:"download_urls"`
}

// DownloadURLs returns the per-format download locations for a job,
// relative to baseURL. Only meaningful once the job has completed.
func DownloadURLs(baseURL, jobID string) map[string]string {
	urls := make(map[string]string, 4)
	for _, format := range []string{"json", "txt", "srt", "md"} {
		urls[format] = fmt.Sprintf("%s/api/jobs/%s/download?format=%s", baseURL, jobID, format)
	}
	return urls
}

// ToResponse converts the job to its API status view. download_urls is
// populated only for completed jobs.
func (j *Job) ToResponse(baseURL string) JobResponse {
	var urls map[string]string
	if j.Status == StatusCompleted {
		urls = DownloadURLs(baseURL, j.ID)
	}
	return JobResponse{
		JobID:           j.ID,
		Status:          j.Status,
		Stage:           j.Stage,
		Progress:        j.Progress,
		CreatedAt:       j.CreatedAt,
		CompletedAt:     j.CompletedAt,
		FailedAt:        j.FailedAt,
		ExpiresAt:       j.ExpiresAt,
		DurationSeconds: j.DurationSeconds,
		Error:           j.Error,
		DownloadURLs:    urls,
	}
}
