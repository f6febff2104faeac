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

// Package render writes transcription results to the four output formats:
// JSON (full data with segments), TXT (plain text), SRT (SubRip subtitles),
// and Markdown (report with timestamped segments).
package render

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scribe/pkg/transcribe"
)

// Formats lists the supported output formats in rendering order.
var Formats = []string{"json", "txt", "srt", "md"}

// ValidFormat reports whether format is one of the supported outputs.
func ValidFormat(format string) bool {
	switch format {
	case "json", "txt", "srt", "md":
		return true
	default:
		return false
	}
}

// Metadata carries job context into the rendered outputs.
type Metadata struct {
	Title           string
	DurationSeconds int
}

// Formatter writes all output formats for a job into a directory.
type Formatter struct {
	outputDir string

	// now is swappable for deterministic test output.
	now func() time.Time
}

// NewFormatter returns a Formatter writing into outputDir, creating it if
// needed.
func NewFormatter(outputDir string) (*Formatter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Formatter{outputDir: outputDir, now: time.Now}, nil
}

// WriteAll renders every format and returns a map from format name to the
// written file path. Files are named <jobID>.<format>.
func (f *Formatter) WriteAll(result *transcribe.Result, jobID string, meta Metadata) (map[string]string, error) {
	paths := make(map[string]string, len(Formats))
	for _, format := range Formats {
		path := filepath.Join(f.outputDir, jobID+"."+format)
		var err error
		switch format {
		case "json":
			err = f.writeJSON(result, meta, path)
		case "txt":
			err = f.writeTXT(result, path)
		case "srt":
			err = f.writeSRT(result, path)
		case "md":
			err = f.writeMarkdown(result, meta, path)
		}
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", format, err)
		}
		paths[format] = path
	}
	return paths, nil
}

type jsonOutput struct {
	Metadata jsonMetadata         `json:"metadata"`
	Text     string               `json:"text"`
	Segments []transcribe.Segment `json:"segments"`
}

type jsonMetadata struct {
	CreatedAt string `json:"created_at"`
	Title     string `json:"title,omitempty"`
	Duration  int    `json:"duration,omitempty"`
	Language  string `json:"language,omitempty"`
}

func (f *Formatter) writeJSON(result *transcribe.Result, meta Metadata, path string) error {
	segments := make([]transcribe.Segment, len(result.Segments))
	for i, seg := range result.Segments {
		segments[i] = transcribe.Segment{
			ID:    i,
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		}
	}

	out := jsonOutput{
		Metadata: jsonMetadata{
			CreatedAt: f.now().UTC().Format(time.RFC3339),
			Title:     meta.Title,
			Duration:  meta.DurationSeconds,
			Language:  result.Language,
		},
		Text:     result.Text,
		Segments: segments,
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (f *Formatter) writeTXT(result *transcribe.Result, path string) error {
	return os.WriteFile(path, []byte(result.Text), 0o644)
}

func (f *Formatter) writeSRT(result *transcribe.Result, path string) error {
	var b strings.Builder
	for i, seg := range result.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", SRTTimestamp(seg.Start), SRTTimestamp(seg.End))
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(seg.Text))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func (f *Formatter) writeMarkdown(result *transcribe.Result, meta Metadata, path string) error {
	title := meta.Title
	if title == "" {
		title = "Transcription"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "**Generated**: %s UTC\n", f.now().UTC().Format("2006-01-02 15:04:05"))
	if meta.DurationSeconds > 0 {
		fmt.Fprintf(&b, "**Duration**: %s\n", SimpleTimestamp(float64(meta.DurationSeconds)))
	}
	b.WriteString("\n---\n\n")

	b.WriteString("## Full Transcript\n\n")
	b.WriteString(result.Text)
	b.WriteString("\n\n---\n\n")

	b.WriteString("## Timestamped Segments\n\n")
	for _, seg := range result.Segments {
		fmt.Fprintf(&b, "**[%s]** %s\n\n", SimpleTimestamp(seg.Start), strings.TrimSpace(seg.Text))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// SRTTimestamp formats seconds as an SRT timestamp (HH:MM:SS,mmm).
func SRTTimestamp(seconds float64) string {
	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := int(seconds) % 60
	millis := int((seconds - float64(int(seconds))) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, millis)
}

// SimpleTimestamp formats seconds as HH:MM:SS.
func SimpleTimestamp(seconds float64) string {
	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := int(seconds) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
}
