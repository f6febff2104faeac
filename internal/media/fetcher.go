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

// Package media acquires source files and extracts audio from them: an HTTP
// fetcher for remote media and an FFmpeg wrapper producing the 16kHz mono
// WAV the speech-to-text engine expects.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidURL reports whether raw is an http(s) URL with a host.
func ValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// FetchResult describes a downloaded file.
type FetchResult struct {
	Path  string
	Title string
	Size  int64
}

// Fetcher downloads remote media over HTTP into a job's input directory.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher returns a Fetcher capped at maxBytes per download. A zero cap
// disables the limit.
func NewFetcher(maxBytes int64) *Fetcher {
	return &Fetcher{
		// No overall client timeout: large media downloads are legitimately
		// slow. Cancellation comes from ctx.
		client:   &http.Client{Timeout: 0},
		maxBytes: maxBytes,
	}
}

// Fetch downloads rawURL into dir, named after jobID with the source
// extension preserved. progress, when non-nil, receives percentages in
// [0, 100] derived from Content-Length; unknown lengths report no
// intermediate progress.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dir, jobID string, progress func(int)) (*FetchResult, error) {
	if !ValidURL(rawURL) {
		return nil, fmt.Errorf("invalid media URL: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "scribe-fetch/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: server returned %d", resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("media too large: %d bytes (limit %d)", resp.ContentLength, f.maxBytes)
	}

	name := remoteName(rawURL, resp)
	dst := filepath.Join(dir, jobID+extOrDefault(name))

	out, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("create input file: %w", err)
	}
	defer out.Close()

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}

	written, err := copyWithProgress(out, body, resp.ContentLength, progress)
	if err != nil {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("download media: %w", err)
	}
	if f.maxBytes > 0 && written > f.maxBytes {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("media too large: exceeds %d bytes", f.maxBytes)
	}

	if progress != nil {
		progress(100)
	}
	return &FetchResult{
		Path:  dst,
		Title: strings.TrimSuffix(name, path.Ext(name)),
		Size:  written,
	}, nil
}

// copyWithProgress copies src to dst reporting percentage progress against
// total. Progress is emitted only when the integer percentage changes.
func copyWithProgress(dst io.Writer, src io.Reader, total int64, progress func(int)) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	lastPct := -1

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if total > 0 && progress != nil {
				pct := int(written * 100 / total)
				if pct > 100 {
					pct = 100
				}
				if pct != lastPct {
					progress(pct)
					lastPct = pct
				}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// remoteName picks a display name for the download: the Content-Disposition
// filename when offered, else the URL path base.
func remoteName(rawURL string, resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return SanitizeFilename(name)
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return SanitizeFilename(base)
		}
	}
	return "media"
}

func extOrDefault(name string) string {
	if ext := path.Ext(name); ext != "" && len(ext) <= 8 {
		return ext
	}
	return ".bin"
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// SanitizeFilename strips filesystem-unsafe characters, replaces spaces
// with underscores, and truncates to 200 characters.
func SanitizeFilename(name string) string {
	s := unsafeFilenameChars.ReplaceAllString(name, "")
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
