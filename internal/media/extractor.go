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

package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Audio format expected by the speech-to-text engine.
const (
	audioCodec      = "pcm_s16le"
	audioSampleRate = 16000
	audioChannels   = 1
)

// ExtractResult describes an extracted audio track.
type ExtractResult struct {
	Path            string
	DurationSeconds int
	Size            int64
}

// Extractor converts source media to 16kHz mono WAV using FFmpeg.
type Extractor struct {
	// FFmpegPath and FFprobePath override the binaries resolved from PATH.
	// Empty means "ffmpeg" / "ffprobe".
	FFmpegPath  string
	FFprobePath string
}

// CheckFFmpeg verifies that ffmpeg and ffprobe are runnable. Called once at
// startup so a missing dependency fails fast instead of failing the first
// job.
func (e *Extractor) CheckFFmpeg(ctx context.Context) error {
	for _, bin := range []string{e.ffmpeg(), e.ffprobe()} {
		cmd := exec.CommandContext(ctx, bin, "-version")
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s not available: %w", bin, err)
		}
	}
	return nil
}

// Extract writes <jobID>.wav into dir from the media at inputPath and
// probes its duration.
func (e *Extractor) Extract(ctx context.Context, inputPath, dir, jobID string) (*ExtractResult, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return nil, fmt.Errorf("input file: %w", err)
	}

	outPath := filepath.Join(dir, jobID+".wav")
	args := []string{
		"-i", inputPath,
		"-vn",
		"-acodec", audioCodec,
		"-ar", strconv.Itoa(audioSampleRate),
		"-ac", strconv.Itoa(audioChannels),
		"-y",
		outPath,
	}

	cmd := exec.CommandContext(ctx, e.ffmpeg(), args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, tail(string(out), 512))
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg produced no output: %w", err)
	}

	duration, err := e.probeDuration(ctx, outPath)
	if err != nil {
		return nil, err
	}

	return &ExtractResult{
		Path:            outPath,
		DurationSeconds: duration,
		Size:            info.Size(),
	}, nil
}

// probeDuration reads the container duration in whole seconds via ffprobe.
func (e *Extractor) probeDuration(ctx context.Context, path string) (int, error) {
	cmd := exec.CommandContext(ctx, e.ffprobe(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration: %w", err)
	}
	return int(seconds), nil
}

func (e *Extractor) ffmpeg() string {
	if e.FFmpegPath != "" {
		return e.FFmpegPath
	}
	return "ffmpeg"
}

func (e *Extractor) ffprobe() string {
	if e.FFprobePath != "" {
		return e.FFprobePath
	}
	return "ffprobe"
}

// tail returns the last n bytes of s, for error context from noisy tools.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
