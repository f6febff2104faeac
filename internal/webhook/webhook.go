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

// Package webhook delivers job completion notifications. Delivery is
// best-effort: one attempt per terminal job, a bounded deadline, and no
// retries. A failed delivery never affects the job outcome.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"scribe/internal/metrics"
	"scribe/pkg/transcribe"
)

const (
	// EventCompleted is sent when a job finishes successfully.
	EventCompleted = "job.completed"
	// EventFailed is sent when a job fails.
	EventFailed = "job.failed"
)

// Payload is the JSON body POSTed to the job's webhook URL.
type Payload struct {
	Event        string                `json:"event"`
	JobID        string                `json:"job_id"`
	Status       transcribe.Status     `json:"status"`
	DownloadURLs map[string]string     `json:"download_urls,omitempty"`
	Error        *transcribe.ErrorInfo `json:"error,omitempty"`
}

// Notifier posts terminal-state notifications to per-job webhook URLs.
type Notifier struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
	log     *slog.Logger
}

// NewNotifier returns a Notifier. baseURL is the externally visible address
// of this service, used to build download URLs in completed payloads.
func NewNotifier(baseURL string, timeout time.Duration, log *slog.Logger) *Notifier {
	return &Notifier{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		timeout: timeout,
		log:     log,
	}
}

// Notify delivers the terminal-state notification for job. It is a no-op
// when the job has no webhook URL or is not terminal. The error return is
// informational; callers log it and move on.
func (n *Notifier) Notify(ctx context.Context, job *transcribe.Job) error {
	if job.WebhookURL == "" {
		return nil
	}
	if !job.Status.IsTerminal() {
		return nil
	}

	payload := Payload{
		JobID:  job.ID,
		Status: job.Status,
	}
	switch job.Status {
	case transcribe.StatusCompleted:
		payload.Event = EventCompleted
		payload.DownloadURLs = transcribe.DownloadURLs(n.baseURL, job.ID)
	case transcribe.StatusFailed:
		payload.Event = EventFailed
		payload.Error = job.Error
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	deliveryID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		metrics.ObserveWebhook("failed")
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "scribe-webhook/1.0")
	req.Header.Set("X-Delivery-ID", deliveryID)

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.ObserveWebhook("failed")
		n.log.Warn("webhook delivery failed",
			"job_id", job.ID,
			"event", payload.Event,
			"delivery_id", deliveryID,
			"error", err)
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveWebhook("failed")
		n.log.Warn("webhook rejected",
			"job_id", job.ID,
			"event", payload.Event,
			"delivery_id", deliveryID,
			"status", resp.StatusCode)
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	metrics.ObserveWebhook("delivered")
	n.log.Info("webhook delivered",
		"job_id", job.ID,
		"event", payload.Event,
		"delivery_id", deliveryID)
	return nil
}
