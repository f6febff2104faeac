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

package pipeline

import (
	"context"

	"scribe/internal/media"
	"scribe/internal/render"
	"scribe/pkg/transcribe"
)

// MediaFetcher adapts media.Fetcher to the Fetcher contract.
type MediaFetcher struct {
	Fetcher *media.Fetcher
}

func (m MediaFetcher) Fetch(ctx context.Context, url, destDir, jobID string, progress func(int)) (*FetchOutput, error) {
	res, err := m.Fetcher.Fetch(ctx, url, destDir, jobID, progress)
	if err != nil {
		return nil, err
	}
	return &FetchOutput{Path: res.Path, Title: res.Title}, nil
}

// MediaExtractor adapts media.Extractor to the Extractor contract. FFmpeg
// offers no usable progress stream for short conversions, so the adapter
// reports only the endpoints.
type MediaExtractor struct {
	Extractor *media.Extractor
}

func (m MediaExtractor) Extract(ctx context.Context, sourcePath, destDir, jobID string, progress func(int)) (*ExtractOutput, error) {
	if progress != nil {
		progress(0)
	}
	res, err := m.Extractor.Extract(ctx, sourcePath, destDir, jobID)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(100)
	}
	return &ExtractOutput{Path: res.Path, DurationSeconds: res.DurationSeconds}, nil
}

// OutputRenderer adapts the render package to the Renderer contract.
type OutputRenderer struct{}

func (OutputRenderer) Render(result *transcribe.Result, destDir, jobID string, meta RenderMetadata) (map[string]string, error) {
	f, err := render.NewFormatter(destDir)
	if err != nil {
		return nil, err
	}
	return f.WriteAll(result, jobID, render.Metadata{
		Title:           meta.Title,
		DurationSeconds: meta.DurationSeconds,
	})
}
