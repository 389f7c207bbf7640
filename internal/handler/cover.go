package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/coverlab/api/internal/middleware"
	"github.com/coverlab/api/internal/model"
	"github.com/coverlab/api/internal/service"
	"github.com/coverlab/api/pkg/response"
)

type CoverHandler struct {
	service *service.CoverService
}

func NewCoverHandler(svc *service.CoverService) *CoverHandler {
	return &CoverHandler{service: svc}
}

// Create handles POST /api/covers
// @Summary Start a cover job
// @Description Accepts a YouTube link or an uploaded audio URL plus a character and starts the pipeline
// @Tags covers
// @Accept json
// @Produce json
// @Param request body model.CreateCoverRequest true "Cover request"
// @Success 202 {object} model.CreateCoverResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/covers [post]
func (h *CoverHandler) Create(c *fiber.Ctx) error {
	var req model.CreateCoverRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	result, err := h.service.Create(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Accepted(c, result)
}

// Get handles GET /api/covers/:id
// @Summary Get a cover job with its artifacts
// @Tags covers
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} model.Job
// @Failure 404 {object} response.ErrorResponse
// @Router /api/covers/{id} [get]
func (h *CoverHandler) Get(c *fiber.Ctx) error {
	job, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, job)
}

// List handles GET /api/covers
// @Summary List completed covers, newest first
// @Tags covers
// @Produce json
// @Param limit query int false "Page size (max 50)"
// @Param offset query int false "Offset"
// @Success 200 {object} model.CoverPage
// @Router /api/covers [get]
func (h *CoverHandler) List(c *fiber.Ctx) error {
	page, err := h.service.ListCompleted(c.UserContext(), c.QueryInt("limit", service.DefaultPageSize), c.QueryInt("offset", 0))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, page)
}

// Progress handles GET /api/covers/:id/progress
// @Summary Poll job progress
// @Tags covers
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} model.ProgressResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/covers/{id}/progress [get]
func (h *CoverHandler) Progress(c *fiber.Ctx) error {
	progress, err := h.service.Progress(c.UserContext(), c.Params("id"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, progress)
}

// Cancel handles POST /api/covers/:id/cancel
// @Summary Cancel a running job
// @Tags covers
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} model.CancelCoverResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Router /api/covers/{id}/cancel [post]
func (h *CoverHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.service.Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Artifact handles GET /api/artifacts/:id
// @Summary Get one artifact record
// @Tags covers
// @Produce json
// @Param id path string true "Artifact ID"
// @Success 200 {object} model.Artifact
// @Failure 404 {object} response.ErrorResponse
// @Router /api/artifacts/{id} [get]
func (h *CoverHandler) Artifact(c *fiber.Ctx) error {
	artifact, err := h.service.Artifact(c.UserContext(), c.Params("id"))
	if service.IsNotFound(err) {
		return response.NotFound(c, "Artifact not found")
	}
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, artifact)
}

// Characters handles GET /api/characters
// @Summary List characters
// @Tags covers
// @Produce json
// @Success 200 {object} map[string][]model.Character
// @Router /api/characters [get]
func (h *CoverHandler) Characters(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{"characters": h.service.Characters()})
}

// serviceError maps service errors onto the response envelope.
func serviceError(c *fiber.Ctx, err error) error {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return response.ValidationError(c, verr.Message, verr.Fields)
	case service.IsNotFound(err):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrJobTerminal):
		return response.Conflict(c, "Job already finished")
	case errors.Is(err, service.ErrStorageUnavailable):
		return response.Unavailable(c, "Storage not configured")
	default:
		return response.ServiceError(c, err.Error())
	}
}
