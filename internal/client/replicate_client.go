package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coverlab/api/internal/config"
	"github.com/coverlab/api/internal/logger"
	"github.com/coverlab/api/internal/pipeline"
)

// Predictor defines the prediction operations used by the pipeline
type Predictor interface {
	CreatePrediction(ctx context.Context, req *PredictionRequest) (*Prediction, error)
	CancelPrediction(ctx context.Context, id string) error
}

var _ Predictor = (*ReplicateClient)(nil)

// ReplicateClient implements Predictor for the Replicate HTTP API
type ReplicateClient struct {
	httpClient *http.Client
	baseURL    string
	apiToken   string
	models     map[pipeline.ModelKind]string
	log        *logger.Logger
}

// PredictionRequest represents a prediction to create. Model is either
// "owner/name" or "owner/name:version".
type PredictionRequest struct {
	Model               string                 `json:"-"`
	Version             string                 `json:"version,omitempty"`
	Input               map[string]interface{} `json:"input"`
	Webhook             string                 `json:"webhook,omitempty"`
	WebhookEventsFilter []string               `json:"webhook_events_filter,omitempty"`
}

// Prediction represents a prediction as returned by the API and by webhooks
type Prediction struct {
	ID      string             `json:"id"`
	Model   string             `json:"model,omitempty"`
	Version string             `json:"version,omitempty"`
	Status  string             `json:"status"`
	Output  json.RawMessage    `json:"output,omitempty"`
	Error   interface{}        `json:"error,omitempty"`
	Metrics *PredictionMetrics `json:"metrics,omitempty"`
}

// PredictionMetrics carries provider timing information
type PredictionMetrics struct {
	PredictTime *float64 `json:"predict_time,omitempty"`
}

// ErrorMessage returns the provider error as text
func (p *Prediction) ErrorMessage() string {
	switch e := p.Error.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}

// NewReplicateClient creates a new Replicate API client
func NewReplicateClient(cfg *config.ReplicateConfig, log *logger.Logger) *ReplicateClient {
	if log == nil {
		log = logger.Nop()
	}
	return &ReplicateClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiToken: cfg.APIToken,
		models: map[pipeline.ModelKind]string{
			pipeline.ModelPortrait:   cfg.PortraitModel,
			pipeline.ModelVoiceClone: cfg.VoiceModel,
			pipeline.ModelLipSync:    cfg.LipSyncModel,
		},
		log: log.With("component", "replicate"),
	}
}

// CreatePrediction starts a prediction. Versioned references go to
// /predictions, bare model names to the model's own endpoint.
func (c *ReplicateClient) CreatePrediction(ctx context.Context, req *PredictionRequest) (*Prediction, error) {
	endpoint := "/predictions"
	owner, version, hasVersion := strings.Cut(req.Model, ":")
	if hasVersion {
		req.Version = version
	} else {
		if !strings.Contains(owner, "/") {
			return nil, fmt.Errorf("invalid model reference %q", req.Model)
		}
		endpoint = fmt.Sprintf("/models/%s/predictions", owner)
	}

	var result Prediction
	if err := c.post(ctx, endpoint, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelPrediction asks the provider to stop a running prediction
func (c *ReplicateClient) CancelPrediction(ctx context.Context, id string) error {
	var result Prediction
	return c.post(ctx, "/predictions/"+id+"/cancel", struct{}{}, &result)
}

// Submit implements pipeline.Gateway
func (c *ReplicateClient) Submit(ctx context.Context, kind pipeline.ModelKind, input map[string]interface{}, callbackURL string) (string, error) {
	model := c.models[kind]
	if model == "" {
		return "", fmt.Errorf("no model configured for %s", kind)
	}

	req := &PredictionRequest{
		Model: model,
		Input: input,
	}
	if callbackURL != "" {
		req.Webhook = callbackURL
		req.WebhookEventsFilter = []string{"completed"}
	}

	prediction, err := c.CreatePrediction(ctx, req)
	if err != nil {
		return "", err
	}
	c.log.Info("prediction created", "kind", kind, "predictionId", prediction.ID, "status", prediction.Status)
	return prediction.ID, nil
}

// Cancel implements pipeline.Canceler
func (c *ReplicateClient) Cancel(ctx context.Context, correlationID string) error {
	return c.CancelPrediction(ctx, correlationID)
}

// post sends a POST request with JSON body
func (c *ReplicateClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *ReplicateClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	c.log.Debug("request", "method", req.Method, "url", req.URL.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("request failed", "method", req.Method, "url", req.URL.Path, "error", err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("response", "method", req.Method, "url", req.URL.Path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("replicate API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ReplicateClient) IsConfigured() bool {
	return c.apiToken != ""
}
