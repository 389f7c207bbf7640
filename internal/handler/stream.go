package handler

import (
	"context"
	"encoding/json"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/coverlab/api/internal/logger"
	"github.com/coverlab/api/internal/model"
	"github.com/coverlab/api/internal/pipeline"
	"github.com/coverlab/api/internal/service"
	ws "github.com/coverlab/api/internal/websocket"
	"github.com/coverlab/api/pkg/response"
)

// StreamHandler serves live job updates over WebSocket
type StreamHandler struct {
	covers *service.CoverService
	hub    *ws.Hub
	log    *logger.Logger
}

func NewStreamHandler(covers *service.CoverService, hub *ws.Hub, log *logger.Logger) *StreamHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &StreamHandler{covers: covers, hub: hub, log: log.With("component", "ws")}
}

// Upgrade rejects plain HTTP requests and unknown jobs before the handshake
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if _, err := h.covers.Get(c.UserContext(), c.Params("id")); err != nil {
		if service.IsNotFound(err) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return c.Next()
}

// Stream handles GET /ws/covers/:id. The first message is a snapshot of the
// job; live progress, complete and error messages follow.
func (h *StreamHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("id")

		var initial []byte
		job, err := h.covers.Get(context.Background(), jobID)
		if err != nil {
			h.log.Warn("failed to load job snapshot", "jobId", jobID, "error", err)
		} else if initial, err = json.Marshal(Snapshot(job)); err != nil {
			initial = nil
		}

		h.hub.HandleConnection(c, jobID, initial)
	})
}

// Snapshot is the message a new subscriber receives for the job's current
// state.
func Snapshot(job *model.Job) interface{} {
	switch job.Status {
	case model.JobStatusCompleted:
		result := model.CoverResult{}
		if job.VideoURL != nil {
			result.VideoURL = *job.VideoURL
		}
		if job.ThumbnailURL != nil {
			result.ThumbnailURL = *job.ThumbnailURL
		}
		return model.WSCompleteMessage{Type: model.WSMessageTypeComplete, JobID: job.ID, Result: result}
	case model.JobStatusFailed:
		msg := "Job failed"
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: job.ID,
			Error: model.WSError{Code: "JOB_FAILED", Message: msg},
		}
	default:
		return model.WSProgressMessage{
			Type:     model.WSMessageTypeProgress,
			JobID:    job.ID,
			Progress: job.Progress,
			Status:   job.Status,
			Message:  pipeline.Describe(job, job.Artifacts),
		}
	}
}
