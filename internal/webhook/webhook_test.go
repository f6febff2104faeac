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

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"scribe/pkg/transcribe"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func terminalJob(status transcribe.Status) *transcribe.Job {
	job := transcribe.NewJob("https://example.com/talk.mp4", "", "")
	job.Status = status
	job.Stage = status
	return &job
}

func TestNotifyCompleted(t *testing.T) {
	var got Payload
	var deliveryID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		deliveryID = r.Header.Get("X-Delivery-ID")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := terminalJob(transcribe.StatusCompleted)
	job.WebhookURL = srv.URL

	n := NewNotifier("http://scribe.local:8000", 5*time.Second, discardLogger())
	if err := n.Notify(context.Background(), job); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if got.Event != EventCompleted {
		t.Fatalf("event = %q, want %q", got.Event, EventCompleted)
	}
	if got.JobID != job.ID {
		t.Fatalf("job_id = %q, want %q", got.JobID, job.ID)
	}
	if got.Status != transcribe.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if len(got.DownloadURLs) != 4 {
		t.Fatalf("download_urls count = %d, want 4", len(got.DownloadURLs))
	}
	if got.Error != nil {
		t.Fatal("completed payload must not carry an error")
	}
	if deliveryID == "" {
		t.Fatal("missing X-Delivery-ID header")
	}
}

func TestNotifyFailed(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	job := terminalJob(transcribe.StatusFailed)
	job.WebhookURL = srv.URL
	job.Error = &transcribe.ErrorInfo{
		Type:    transcribe.ErrTypeTranscription,
		Message: "decode error",
	}

	n := NewNotifier("http://scribe.local:8000", 5*time.Second, discardLogger())
	if err := n.Notify(context.Background(), job); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if got.Event != EventFailed {
		t.Fatalf("event = %q, want %q", got.Event, EventFailed)
	}
	if got.Error == nil || got.Error.Type != transcribe.ErrTypeTranscription {
		t.Fatalf("error = %+v, want transcription_error", got.Error)
	}
	if got.DownloadURLs != nil {
		t.Fatal("failed payload must not carry download urls")
	}
}

func TestNotifySkipsWithoutWebhookURL(t *testing.T) {
	job := terminalJob(transcribe.StatusCompleted)

	n := NewNotifier("http://scribe.local:8000", 5*time.Second, discardLogger())
	if err := n.Notify(context.Background(), job); err != nil {
		t.Fatalf("Notify without webhook URL errored: %v", err)
	}
}

func TestNotifySkipsNonTerminal(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	job := terminalJob(transcribe.StatusTranscribing)
	job.WebhookURL = srv.URL

	n := NewNotifier("http://scribe.local:8000", 5*time.Second, discardLogger())
	if err := n.Notify(context.Background(), job); err != nil {
		t.Fatalf("Notify errored: %v", err)
	}
	if called {
		t.Fatal("non-terminal job triggered a delivery")
	}
}

func TestNotifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	job := terminalJob(transcribe.StatusCompleted)
	job.WebhookURL = srv.URL

	n := NewNotifier("http://scribe.local:8000", 5*time.Second, discardLogger())
	if err := n.Notify(context.Background(), job); err == nil {
		t.Fatal("Notify accepted a 500 response")
	}
}

func TestNotifyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	job := terminalJob(transcribe.StatusCompleted)
	job.WebhookURL = srv.URL

	n := NewNotifier("http://scribe.local:8000", 50*time.Millisecond, discardLogger())
	start := time.Now()
	if err := n.Notify(context.Background(), job); err == nil {
		t.Fatal("Notify did not time out")
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("Notify took %v, deadline not enforced", elapsed)
	}
}
