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

package whisper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"scribe/internal/config"
	"scribe/pkg/transcribe"
)

// CommandEngine runs inference by invoking the whisper.cpp CLI per
// transcription. The process model means Unload has nothing to release;
// Load only validates that the binary and model weights are present, so
// failures surface at load time rather than mid-job.
type CommandEngine struct {
	// Binary is the whisper CLI executable. Defaults to "whisper-cli".
	Binary string
	// ModelDir holds the ggml model weights.
	ModelDir string

	modelPath string
}

// Load resolves the binary and the model weights on disk.
func (e *CommandEngine) Load(ctx context.Context, model string) error {
	bin := e.Binary
	if bin == "" {
		bin = "whisper-cli"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("locate %s: %w", bin, err)
	}

	path := filepath.Join(e.ModelDir, "ggml-"+model+".bin")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("model weights %s: %w", path, err)
	}
	e.modelPath = path
	return nil
}

// Unload is a no-op: the CLI process releases its memory on exit.
func (e *CommandEngine) Unload(ctx context.Context) error {
	e.modelPath = ""
	return nil
}

// Transcribe invokes the CLI over audioPath and parses its JSON output.
func (e *CommandEngine) Transcribe(ctx context.Context, audioPath string, opts config.WhisperSettings) (*transcribe.Result, error) {
	if e.modelPath == "" {
		return nil, fmt.Errorf("engine not loaded")
	}

	bin := e.Binary
	if bin == "" {
		bin = "whisper-cli"
	}

	// The CLI writes <prefix>.json next to the output prefix.
	outPrefix := strings.TrimSuffix(audioPath, filepath.Ext(audioPath))

	cmd := exec.CommandContext(ctx, bin, cliArgs(e.modelPath, audioPath, outPrefix, opts)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", bin, err, truncate(string(out), 512))
	}

	jsonPath := outPrefix + ".json"
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("read engine output: %w", err)
	}
	defer os.Remove(jsonPath)

	return parseCLIOutput(data)
}

// cliArgs builds the whisper.cpp invocation. The CLI conditions each
// segment on prior context unless --no-context is passed; long recordings
// loop without it, so the flag tracks ConditionOnPreviousText.
func cliArgs(modelPath, audioPath, outPrefix string, opts config.WhisperSettings) []string {
	args := []string{
		"--model", modelPath,
		"--file", audioPath,
		"--language", opts.Language,
		"--beam-size", strconv.Itoa(opts.BeamSize),
		"--best-of", strconv.Itoa(opts.BestOf),
		"--temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64),
		"--no-speech-thold", strconv.FormatFloat(opts.NoSpeechThreshold, 'f', -1, 64),
		"--entropy-thold", strconv.FormatFloat(opts.CompressionRatioThreshold, 'f', -1, 64),
		"--logprob-thold", strconv.FormatFloat(opts.LogProbThreshold, 'f', -1, 64),
		"--output-json",
		"--output-file", outPrefix,
		"--no-prints",
	}
	if !opts.ConditionOnPreviousText {
		args = append(args, "--no-context")
	}
	if opts.Task == "translate" {
		args = append(args, "--translate")
	}
	return args
}

// cliOutput mirrors the whisper.cpp JSON output format. Offsets are in
// milliseconds.
type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseCLIOutput(data []byte) (*transcribe.Result, error) {
	var out cliOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode engine output: %w", err)
	}

	res := &transcribe.Result{Language: out.Result.Language}
	var text strings.Builder
	for i, seg := range out.Transcription {
		start := float64(seg.Offsets.From) / 1000.0
		end := float64(seg.Offsets.To) / 1000.0
		trimmed := strings.TrimSpace(seg.Text)
		res.Segments = append(res.Segments, transcribe.Segment{
			ID:    i,
			Start: start,
			End:   end,
			Text:  trimmed,
		})
		if trimmed != "" {
			if text.Len() > 0 {
				text.WriteString(" ")
			}
			text.WriteString(trimmed)
		}
		if end > res.Duration {
			res.Duration = end
		}
	}
	res.Text = text.String()
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
