package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/coverlab/api/internal/logger"
	"github.com/coverlab/api/internal/pipeline"
	"github.com/coverlab/api/pkg/response"
)

// ResultSink consumes provider callbacks
type ResultSink interface {
	OnExternalResult(ctx context.Context, res pipeline.ExternalResult) (pipeline.Outcome, error)
}

// ReplicateWebhook is the body the inference provider posts when a
// prediction finishes.
type ReplicateWebhook struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output"`
	Error   interface{}     `json:"error"`
	Metrics *struct {
		PredictTime *float64 `json:"predict_time"`
	} `json:"metrics"`
}

func (w *ReplicateWebhook) result() pipeline.ExternalResult {
	res := pipeline.ExternalResult{
		CorrelationID: w.ID,
		Status:        w.Status,
		Output:        w.Output,
	}
	switch e := w.Error.(type) {
	case nil:
	case string:
		res.Error = e
	default:
		if b, err := json.Marshal(e); err == nil {
			res.Error = string(b)
		}
	}
	if w.Metrics != nil {
		res.PredictTime = w.Metrics.PredictTime
	}
	return res
}

type WebhookHandler struct {
	sink   ResultSink
	secret string
	log    *logger.Logger
}

func NewWebhookHandler(sink ResultSink, secret string, log *logger.Logger) *WebhookHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &WebhookHandler{sink: sink, secret: secret, log: log.With("component", "webhook")}
}

// Replicate handles POST /webhooks/replicate
// @Summary Prediction completion callback
// @Tags webhooks
// @Accept json
// @Produce json
// @Param secret query string false "Shared secret (or X-Webhook-Secret header)"
// @Param artifact query string false "Artifact the prediction was submitted for"
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /webhooks/replicate [post]
func (h *WebhookHandler) Replicate(c *fiber.Ctx) error {
	presented := c.Get("X-Webhook-Secret")
	if presented == "" {
		presented = c.Query("secret")
	}
	if err := pipeline.VerifyCallbackSecret(h.secret, presented); err != nil {
		return response.Unauthorized(c, "Invalid webhook secret")
	}

	var body ReplicateWebhook
	if err := c.BodyParser(&body); err != nil {
		return response.ValidationError(c, "Invalid webhook payload", nil)
	}
	if body.ID == "" {
		return response.ValidationError(c, "Prediction id is required", nil)
	}

	res := body.result()
	res.ArtifactID = c.Query("artifact")
	outcome, err := h.sink.OnExternalResult(c.UserContext(), res)
	switch {
	case errors.Is(err, pipeline.ErrUnknownCorrelation):
		h.log.Warn("callback for unknown prediction", "predictionId", body.ID, "status", body.Status)
		return response.NotFound(c, "Unknown prediction")
	case errors.Is(err, pipeline.ErrDuplicateCallback):
		h.log.Info("duplicate callback", "predictionId", body.ID)
		return response.OK(c, fiber.Map{"received": true, "outcome": "duplicate"})
	case err != nil:
		h.log.Error("failed to apply callback", "predictionId", body.ID, "error", err)
		return response.ServiceError(c, "Failed to process webhook")
	}

	h.log.Debug("callback applied", "predictionId", body.ID, "status", body.Status, "outcome", outcome)
	return response.OK(c, fiber.Map{"received": true, "outcome": outcome})
}
