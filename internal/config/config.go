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
	"fmt"
	"os"
	"strconv"
	"time"
)

// WhisperSettings holds the inference knobs passed to the speech-to-text
// engine. The defaults are tuned for long-form Japanese audio; in particular
// ConditionOnPreviousText stays false to prevent output loops on long files.
type WhisperSettings struct {
	Language                  string
	Task                      string
	Temperature               float64
	BeamSize                  int
	BestOf                    int
	ConditionOnPreviousText   bool
	CompressionRatioThreshold float64
	LogProbThreshold          float64
	NoSpeechThreshold         float64
}

// Settings holds the full service configuration loaded from environment
// variables with SCRIBE_ prefix.
type Settings struct {
	// Server
	Port  int
	Host  string
	Debug bool

	// Authentication
	AdminPassword string

	// Data management
	DataDir          string
	JobRetentionDays int
	MaxUploadSizeMB  int64

	// Retention GC schedule (cron expression); empty disables the
	// periodic sweep, leaving only the admin-triggered cleanup.
	CleanupSchedule string

	// Model management
	ModelUnloadMinutes int
	WhisperModel       string

	Whisper WhisperSettings

	// WebhookTimeout is the per-delivery deadline for outbound webhooks.
	WebhookTimeout time.Duration
}

// Default returns the default configuration.
func Default() Settings {
	return Settings{
		Port:               8000,
		Host:               "0.0.0.0",
		Debug:              false,
		AdminPassword:      "changeme",
		DataDir:            "./data",
		JobRetentionDays:   7,
		MaxUploadSizeMB:    10240, // 10GB
		CleanupSchedule:    "@hourly",
		ModelUnloadMinutes: 5,
		WhisperModel:       "large-v3",
		Whisper: WhisperSettings{
			Language:                  "ja",
			Task:                      "transcribe",
			Temperature:               0.0,
			BeamSize:                  5,
			BestOf:                    5,
			ConditionOnPreviousText:   false,
			CompressionRatioThreshold: 2.4,
			LogProbThreshold:          -1.0,
			NoSpeechThreshold:         0.6,
		},
		WebhookTimeout: 10 * time.Second,
	}
}

// LoadFromEnv loads configuration from environment variables, starting from
// the defaults.
func LoadFromEnv() (Settings, error) {
	cfg := Default()

	if val := os.Getenv("SCRIBE_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_PORT: %w", err)
		}
		cfg.Port = port
	}

	if val := os.Getenv("SCRIBE_HOST"); val != "" {
		cfg.Host = val
	}

	if val := os.Getenv("SCRIBE_DEBUG"); val != "" {
		debug, err := strconv.ParseBool(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_DEBUG value: %w", err)
		}
		cfg.Debug = debug
	}

	if val := os.Getenv("SCRIBE_ADMIN_PASSWORD"); val != "" {
		cfg.AdminPassword = val
	}

	if val := os.Getenv("SCRIBE_DATA_DIR"); val != "" {
		cfg.DataDir = val
	}

	if val := os.Getenv("SCRIBE_JOB_RETENTION_DAYS"); val != "" {
		days, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_JOB_RETENTION_DAYS: %w", err)
		}
		cfg.JobRetentionDays = days
	}

	if val := os.Getenv("SCRIBE_MAX_UPLOAD_SIZE_MB"); val != "" {
		size, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_MAX_UPLOAD_SIZE_MB: %w", err)
		}
		cfg.MaxUploadSizeMB = size
	}

	if val := os.Getenv("SCRIBE_CLEANUP_SCHEDULE"); val != "" {
		cfg.CleanupSchedule = val
	}

	if val := os.Getenv("SCRIBE_MODEL_UNLOAD_MINUTES"); val != "" {
		minutes, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_MODEL_UNLOAD_MINUTES: %w", err)
		}
		cfg.ModelUnloadMinutes = minutes
	}

	if val := os.Getenv("SCRIBE_WHISPER_MODEL"); val != "" {
		cfg.WhisperModel = val
	}

	if val := os.Getenv("SCRIBE_WHISPER_LANGUAGE"); val != "" {
		cfg.Whisper.Language = val
	}

	if val := os.Getenv("SCRIBE_WHISPER_TEMPERATURE"); val != "" {
		temp, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_WHISPER_TEMPERATURE: %w", err)
		}
		cfg.Whisper.Temperature = temp
	}

	if val := os.Getenv("SCRIBE_WHISPER_BEAM_SIZE"); val != "" {
		size, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_WHISPER_BEAM_SIZE: %w", err)
		}
		cfg.Whisper.BeamSize = size
	}

	if val := os.Getenv("SCRIBE_WHISPER_BEST_OF"); val != "" {
		best, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_WHISPER_BEST_OF: %w", err)
		}
		cfg.Whisper.BestOf = best
	}

	if val := os.Getenv("SCRIBE_WHISPER_CONDITION_ON_PREVIOUS_TEXT"); val != "" {
		cond, err := strconv.ParseBool(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_WHISPER_CONDITION_ON_PREVIOUS_TEXT: %w", err)
		}
		cfg.Whisper.ConditionOnPreviousText = cond
	}

	if val := os.Getenv("SCRIBE_WHISPER_COMPRESSION_RATIO_THRESHOLD"); val != "" {
		ratio, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_WHISPER_COMPRESSION_RATIO_THRESHOLD: %w", err)
		}
		cfg.Whisper.CompressionRatioThreshold = ratio
	}

	if val := os.Getenv("SCRIBE_WHISPER_LOGPROB_THRESHOLD"); val != "" {
		floor, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_WHISPER_LOGPROB_THRESHOLD: %w", err)
		}
		cfg.Whisper.LogProbThreshold = floor
	}

	if val := os.Getenv("SCRIBE_WHISPER_NO_SPEECH_THRESHOLD"); val != "" {
		ceil, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_WHISPER_NO_SPEECH_THRESHOLD: %w", err)
		}
		cfg.Whisper.NoSpeechThreshold = ceil
	}

	if val := os.Getenv("SCRIBE_WEBHOOK_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCRIBE_WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = d
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Settings) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SCRIBE_PORT must be between 1 and 65535")
	}

	if c.DataDir == "" {
		return fmt.Errorf("SCRIBE_DATA_DIR cannot be empty")
	}

	if c.AdminPassword == "" {
		return fmt.Errorf("SCRIBE_ADMIN_PASSWORD cannot be empty")
	}

	if c.JobRetentionDays < 1 {
		return fmt.Errorf("SCRIBE_JOB_RETENTION_DAYS must be at least 1")
	}

	if c.MaxUploadSizeMB < 1 {
		return fmt.Errorf("SCRIBE_MAX_UPLOAD_SIZE_MB must be at least 1")
	}

	if c.ModelUnloadMinutes < 1 {
		return fmt.Errorf("SCRIBE_MODEL_UNLOAD_MINUTES must be at least 1")
	}

	if c.WhisperModel == "" {
		return fmt.Errorf("SCRIBE_WHISPER_MODEL cannot be empty")
	}

	if c.WebhookTimeout < time.Second {
		return fmt.Errorf("SCRIBE_WEBHOOK_TIMEOUT must be at least 1s")
	}

	return nil
}

// RetentionWindow returns the job retention period as a duration.
func (c *Settings) RetentionWindow() time.Duration {
	return time.Duration(c.JobRetentionDays) * 24 * time.Hour
}

// ModelIdleTimeout returns the model unload timeout as a duration.
func (c *Settings) ModelIdleTimeout() time.Duration {
	return time.Duration(c.ModelUnloadMinutes) * time.Minute
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *Settings) MaxUploadBytes() int64 {
	return c.MaxUploadSizeMB * 1024 * 1024
}
