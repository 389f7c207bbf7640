package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coverlab/api/internal/config"
	"github.com/coverlab/api/internal/model"
)

// MediaProcessor defines the operations of the media processing service
type MediaProcessor interface {
	DownloadYouTube(ctx context.Context, url, jobID string) (*FileResponse, error)
	StitchVideoAudio(ctx context.Context, videoURL string, audio []byte, jobID string) (*FileResponse, error)
	HealthCheck(ctx context.Context) error
}

// ProcessingClient implements MediaProcessor for the processing microservice
type ProcessingClient struct {
	httpClient *http.Client
	baseURL    string
}

// DownloadRequest represents a YouTube audio download
type DownloadRequest struct {
	URL   string `json:"url"`
	JobID string `json:"jobId"`
}

// StitchRequest represents a video and audio mux
type StitchRequest struct {
	VideoURL  string `json:"videoUrl"`
	AudioData string `json:"audioData"`
	JobID     string `json:"jobId"`
}

// FileResponse carries a produced file inline as base64
type FileResponse struct {
	Success  bool   `json:"success"`
	FileData string `json:"fileData"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Bytes decodes the inline file
func (r *FileResponse) Bytes() ([]byte, error) {
	if r.FileData == "" {
		return nil, fmt.Errorf("response carries no file data")
	}
	data, err := base64.StdEncoding.DecodeString(r.FileData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode file data: %w", err)
	}
	return data, nil
}

// NewProcessingClient creates a new processing service client
func NewProcessingClient(cfg *config.ProcessingConfig) *ProcessingClient {
	return &ProcessingClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: strings.TrimRight(cfg.ServiceURL, "/"),
	}
}

// DownloadYouTube extracts the audio track of a YouTube video
func (c *ProcessingClient) DownloadYouTube(ctx context.Context, url, jobID string) (*FileResponse, error) {
	var result FileResponse
	req := &DownloadRequest{URL: url, JobID: model.SanitizeJobID(jobID)}
	if err := c.post(ctx, "/download-youtube", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StitchVideoAudio replaces the audio track of a video
func (c *ProcessingClient) StitchVideoAudio(ctx context.Context, videoURL string, audio []byte, jobID string) (*FileResponse, error) {
	var result FileResponse
	req := &StitchRequest{
		VideoURL:  videoURL,
		AudioData: base64.StdEncoding.EncodeToString(audio),
		JobID:     model.SanitizeJobID(jobID),
	}
	if err := c.post(ctx, "/stitch-video-audio", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck checks if the processing service is available
func (c *ProcessingClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("processing service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// post sends a POST request with JSON body and parses the response
func (c *ProcessingClient) post(ctx context.Context, endpoint string, body interface{}, result *FileResponse) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure FileResponse
		if json.Unmarshal(respBody, &failure) == nil && failure.Error != "" {
			return fmt.Errorf("processing service error (status %d): %s", resp.StatusCode, failure.Error)
		}
		return fmt.Errorf("processing service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("processing service reported failure: %s", result.Error)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ProcessingClient) IsConfigured() bool {
	return c.baseURL != ""
}
