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

package config

import (
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Port != 8000 {
		t.Fatalf("default port = %d, want 8000", cfg.Port)
	}
	if cfg.Whisper.ConditionOnPreviousText {
		t.Fatal("condition_on_previous_text must default to false")
	}
	if cfg.WebhookTimeout != 10*time.Second {
		t.Fatalf("webhook timeout = %v, want 10s", cfg.WebhookTimeout)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_PORT", "9000")
	t.Setenv("SCRIBE_JOB_RETENTION_DAYS", "3")
	t.Setenv("SCRIBE_WHISPER_LANGUAGE", "en")
	t.Setenv("SCRIBE_MODEL_UNLOAD_MINUTES", "1")
	t.Setenv("SCRIBE_WHISPER_CONDITION_ON_PREVIOUS_TEXT", "true")
	t.Setenv("SCRIBE_WHISPER_COMPRESSION_RATIO_THRESHOLD", "3.1")
	t.Setenv("SCRIBE_WHISPER_LOGPROB_THRESHOLD", "-0.5")
	t.Setenv("SCRIBE_WHISPER_NO_SPEECH_THRESHOLD", "0.8")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("port = %d, want 9000", cfg.Port)
	}
	if cfg.RetentionWindow() != 3*24*time.Hour {
		t.Fatalf("retention window = %v, want 72h", cfg.RetentionWindow())
	}
	if cfg.Whisper.Language != "en" {
		t.Fatalf("language = %q, want en", cfg.Whisper.Language)
	}
	if cfg.ModelIdleTimeout() != time.Minute {
		t.Fatalf("idle timeout = %v, want 1m", cfg.ModelIdleTimeout())
	}
	if !cfg.Whisper.ConditionOnPreviousText {
		t.Fatal("condition_on_previous_text override not applied")
	}
	if cfg.Whisper.CompressionRatioThreshold != 3.1 {
		t.Fatalf("compression ratio = %v, want 3.1", cfg.Whisper.CompressionRatioThreshold)
	}
	if cfg.Whisper.LogProbThreshold != -0.5 {
		t.Fatalf("logprob floor = %v, want -0.5", cfg.Whisper.LogProbThreshold)
	}
	if cfg.Whisper.NoSpeechThreshold != 0.8 {
		t.Fatalf("no-speech ceiling = %v, want 0.8", cfg.Whisper.NoSpeechThreshold)
	}
}

func TestLoadFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("SCRIBE_PORT", "not-a-number")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("LoadFromEnv accepted invalid SCRIBE_PORT")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty data dir", func(s *Settings) { s.DataDir = "" }},
		{"empty admin password", func(s *Settings) { s.AdminPassword = "" }},
		{"zero retention", func(s *Settings) { s.JobRetentionDays = 0 }},
		{"bad port", func(s *Settings) { s.Port = 0 }},
		{"empty model", func(s *Settings) { s.WhisperModel = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted invalid config")
			}
		})
	}
}
