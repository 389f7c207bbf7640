package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coverlab/api/internal/model"
)

// maxFetchSize bounds downloads of produced assets.
const maxFetchSize = 200 << 20

// Fetcher downloads assets by URL
type Fetcher struct {
	httpClient *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{httpClient: &http.Client{Timeout: timeout}}
}

// Get downloads url into memory.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if len(data) > maxFetchSize {
		return nil, fmt.Errorf("download %s exceeds %d bytes", url, maxFetchSize)
	}
	return data, nil
}

// AudioSource implements pipeline.AudioResolver. Links go through the
// processing service, uploads are already stored and only fetched.
type AudioSource struct {
	processor MediaProcessor
	fetcher   *Fetcher
}

func NewAudioSource(processor MediaProcessor, fetcher *Fetcher) *AudioSource {
	return &AudioSource{processor: processor, fetcher: fetcher}
}

func (a *AudioSource) Fetch(ctx context.Context, kind model.SourceKind, ref, jobID string) ([]byte, error) {
	switch kind {
	case model.SourceKindLink:
		resp, err := a.processor.DownloadYouTube(ctx, ref, jobID)
		if err != nil {
			return nil, err
		}
		return resp.Bytes()
	case model.SourceKindUpload:
		return a.fetcher.Get(ctx, ref)
	default:
		return nil, fmt.Errorf("unsupported source kind %q", kind)
	}
}

// VideoStitcher implements pipeline.Stitcher on top of the processing
// service, which expects the audio inline.
type VideoStitcher struct {
	processor MediaProcessor
	fetcher   *Fetcher
}

func NewVideoStitcher(processor MediaProcessor, fetcher *Fetcher) *VideoStitcher {
	return &VideoStitcher{processor: processor, fetcher: fetcher}
}

func (s *VideoStitcher) Stitch(ctx context.Context, videoURL, audioURL, jobID string) ([]byte, error) {
	audio, err := s.fetcher.Get(ctx, audioURL)
	if err != nil {
		return nil, err
	}
	resp, err := s.processor.StitchVideoAudio(ctx, videoURL, audio, jobID)
	if err != nil {
		return nil, err
	}
	return resp.Bytes()
}
