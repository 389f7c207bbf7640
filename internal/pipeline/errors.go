package pipeline

import (
	"errors"
	"fmt"

	"github.com/coverlab/api/internal/model"
)

var (
	// ErrUnauthorizedCallback is returned when a callback carries the wrong secret.
	ErrUnauthorizedCallback = errors.New("unauthorized callback")
	// ErrDuplicateCallback is returned for a result whose artifact is already populated.
	ErrDuplicateCallback = errors.New("duplicate callback")
	// ErrUnknownCorrelation is returned when no artifact carries the correlation id.
	ErrUnknownCorrelation = errors.New("unknown correlation id")
)

// StageError wraps any failure of a stage with the stage name. Its message
// is what ends up in the job's errorMessage.
type StageError struct {
	Stage StageID
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// MissingDependencyError means a stage ran without a required ready artifact.
type MissingDependencyError struct {
	Stage StageID
	Type  model.ArtifactType
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing dependency %s for stage %s", e.Type, e.Stage)
}

// GatewaySubmissionError means the inference provider did not accept work.
type GatewaySubmissionError struct {
	Kind ModelKind
	Err  error
}

func (e *GatewaySubmissionError) Error() string {
	return fmt.Sprintf("gateway submission failed (%s): %v", e.Kind, e.Err)
}

func (e *GatewaySubmissionError) Unwrap() error { return e.Err }

// GatewayResultError carries the provider's own failure message.
type GatewayResultError struct {
	Type    model.ArtifactType
	Status  string
	Message string
}

func (e *GatewayResultError) Error() string {
	return e.Message
}

// StorageError means a produced asset could not be persisted.
type StorageError struct {
	Name string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to store %s: %v", e.Name, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
