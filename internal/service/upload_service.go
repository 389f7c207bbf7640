package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coverlab/api/internal/model"
)

// ErrStorageUnavailable is returned when no object storage is configured.
var ErrStorageUnavailable = errors.New("storage not configured")

// AudioTypes maps accepted upload content types to the stored extension.
var AudioTypes = map[string]string{
	"audio/mpeg":   ".mp3",
	"audio/mp3":    ".mp3",
	"audio/wav":    ".wav",
	"audio/x-wav":  ".wav",
	"audio/wave":   ".wav",
	"audio/mp4":    ".m4a",
	"audio/x-m4a":  ".m4a",
	"audio/aac":    ".aac",
	"audio/x-aac":  ".aac",
	"audio/ogg":    ".ogg",
	"audio/webm":   ".webm",
	"audio/flac":   ".flac",
	"audio/x-flac": ".flac",
}

// ObjectUploader is the storage the upload service writes to
type ObjectUploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// UploadService stores user supplied source audio
type UploadService struct {
	storage ObjectUploader
}

// NewUploadService creates a new upload service. storage may be nil, in
// which case every upload fails with ErrStorageUnavailable.
func NewUploadService(storage ObjectUploader) *UploadService {
	return &UploadService{storage: storage}
}

// UploadAudio stores an audio file under uploads/ and returns a URL usable
// as a cover's audioUrl.
func (s *UploadService) UploadAudio(ctx context.Context, filename, contentType string, file io.Reader, size int64) (*model.UploadAudioResponse, error) {
	if s.storage == nil {
		return nil, ErrStorageUnavailable
	}

	contentType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext, ok := AudioTypes[contentType]
	if !ok {
		return nil, &ValidationError{
			Message: "Invalid file type",
			Fields:  map[string]string{"file": "audio"},
		}
	}
	if fromName := strings.ToLower(path.Ext(filename)); knownExtension(fromName) {
		ext = fromName
	}

	id := uuid.New().String()
	key := fmt.Sprintf("uploads/%s%s", id, ext)

	fileURL, err := s.storage.Upload(ctx, key, file, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload audio: %w", err)
	}

	return &model.UploadAudioResponse{
		ID:          id,
		FileURL:     fileURL,
		ContentType: contentType,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// DeleteAudio removes a stored upload. name is the "<id>.<ext>" part of
// the key.
func (s *UploadService) DeleteAudio(ctx context.Context, name string) error {
	if s.storage == nil {
		return ErrStorageUnavailable
	}
	id := strings.TrimSuffix(name, path.Ext(name))
	if _, err := uuid.Parse(id); err != nil || strings.ContainsAny(name, "/\\") {
		return &ValidationError{Message: "Invalid upload name", Fields: map[string]string{"name": "uuid"}}
	}
	return s.storage.Delete(ctx, "uploads/"+name)
}

func knownExtension(ext string) bool {
	for _, e := range AudioTypes {
		if e == ext {
			return true
		}
	}
	return false
}
