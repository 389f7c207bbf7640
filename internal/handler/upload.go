package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/coverlab/api/internal/service"
	"github.com/coverlab/api/pkg/response"
)

const maxUploadSize = 50 * 1024 * 1024 // 50MB

type UploadHandler struct {
	service *service.UploadService
}

func NewUploadHandler(svc *service.UploadService) *UploadHandler {
	return &UploadHandler{service: svc}
}

// Audio handles POST /api/uploads/audio
// @Summary Upload source audio
// @Description Stores an audio file; the returned fileUrl is accepted as a cover's audioUrl
// @Tags uploads
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Audio file (MP3, WAV, M4A, AAC, OGG, WEBM, FLAC)"
// @Success 201 {object} model.UploadAudioResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/uploads/audio [post]
func (h *UploadHandler) Audio(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if file.Size > maxUploadSize {
		return response.ValidationError(c, "File size exceeds 50MB limit", map[string]interface{}{
			"maxSize":  maxUploadSize,
			"fileSize": file.Size,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.UploadAudio(c.UserContext(), file.Filename, file.Header.Get(fiber.HeaderContentType), f, file.Size)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Created(c, result)
}

// DeleteAudio handles DELETE /api/uploads/audio/:name
// @Summary Delete an uploaded audio file
// @Tags uploads
// @Param name path string true "Stored file name (<id>.<ext>)"
// @Success 204
// @Router /api/uploads/audio/{name} [delete]
func (h *UploadHandler) DeleteAudio(c *fiber.Ctx) error {
	if err := h.service.DeleteAudio(c.UserContext(), c.Params("name")); err != nil {
		return serviceError(c, err)
	}
	return response.NoContent(c)
}
