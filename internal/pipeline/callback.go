package pipeline

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coverlab/api/internal/model"
	"github.com/coverlab/api/internal/store"
)

// ExternalResult is a provider callback reduced to what the pipeline needs.
type ExternalResult struct {
	CorrelationID string
	// ArtifactID is echoed back from the callback target. It resolves a
	// result that arrives before its correlation id was recorded.
	ArtifactID  string
	Status      string
	Output      json.RawMessage
	Error       string
	PredictTime *float64
}

// Outcome tells the transport layer what a callback did.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeFailed   Outcome = "failed"
	OutcomeIgnored  Outcome = "ignored"
)

// OnExternalResult applies a provider result to the artifact it belongs to.
//
// A success populates the artifact and advances the job. A failure or
// cancellation fails the job. Intermediate statuses are ignored. Deliveries
// for an artifact that is already populated return ErrDuplicateCallback and
// change nothing.
func (o *Orchestrator) OnExternalResult(ctx context.Context, res ExternalResult) (Outcome, error) {
	if res.CorrelationID == "" {
		return OutcomeIgnored, ErrUnknownCorrelation
	}
	artifact, err := o.resolveArtifact(ctx, res)
	if err != nil {
		return OutcomeIgnored, err
	}
	if artifact.Ready() {
		return OutcomeIgnored, ErrDuplicateCallback
	}

	log := o.log.With("jobId", artifact.JobID, "type", artifact.Type, "correlationId", res.CorrelationID)

	switch strings.ToLower(res.Status) {
	case "succeeded", "success":
		location, err := FirstOutputURL(res.Output)
		if err != nil {
			stage, _ := StageFor(artifact.Type)
			o.Fail(ctx, artifact.JobID, &StageError{Stage: stage.ID, Err: &GatewayResultError{
				Type:    artifact.Type,
				Status:  res.Status,
				Message: err.Error(),
			}})
			return OutcomeFailed, nil
		}

		metadata := map[string]interface{}{
			"completedAt": time.Now().UTC().Format(time.RFC3339),
		}
		if res.PredictTime != nil {
			metadata["processingTime"] = *res.PredictTime
		}
		ok, err := o.store.PopulateArtifact(ctx, artifact.ID, location, metadata)
		if err != nil {
			return OutcomeIgnored, err
		}
		if !ok {
			return OutcomeIgnored, ErrDuplicateCallback
		}
		log.Info("artifact ready", "location", location)

		if err := o.Advance(ctx, artifact.JobID, artifact.Type); err != nil {
			return OutcomeAccepted, err
		}
		return OutcomeAccepted, nil

	case "failed", "canceled", "cancelled":
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("Processing failed at %s stage", artifact.Type)
		}
		log.Warn("provider reported failure", "status", res.Status, "error", msg)
		stage, _ := StageFor(artifact.Type)
		o.Fail(ctx, artifact.JobID, &StageError{Stage: stage.ID, Err: &GatewayResultError{
			Type:    artifact.Type,
			Status:  res.Status,
			Message: msg,
		}})
		return OutcomeFailed, nil

	default:
		log.Debug("ignoring intermediate status", "status", res.Status)
		return OutcomeIgnored, nil
	}
}

// resolveArtifact finds the artifact a result belongs to. The correlation id
// wins; the echoed artifact id is only trusted for a placeholder that has no
// correlation id yet, or the same one.
func (o *Orchestrator) resolveArtifact(ctx context.Context, res ExternalResult) (*model.Artifact, error) {
	artifact, err := o.store.FindByCorrelation(ctx, res.CorrelationID)
	if err == nil {
		return artifact, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if res.ArtifactID == "" {
		return nil, ErrUnknownCorrelation
	}

	artifact, err = o.store.GetArtifact(ctx, res.ArtifactID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownCorrelation
	}
	if err != nil {
		return nil, err
	}
	if artifact.CorrelationID != nil && *artifact.CorrelationID != res.CorrelationID {
		return nil, ErrUnknownCorrelation
	}
	if artifact.CorrelationID == nil {
		if err := o.store.SetCorrelation(ctx, artifact.ID, res.CorrelationID); err != nil {
			return nil, err
		}
		o.log.Info("result arrived before its submission returned", "jobId", artifact.JobID, "type", artifact.Type, "correlationId", res.CorrelationID)
	}
	return artifact, nil
}

// FirstOutputURL extracts the result location from a provider output, which
// is either a single URL or a list of URLs.
func FirstOutputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("result has no output")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return "", fmt.Errorf("result output is empty")
		}
		return single, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return "", fmt.Errorf("unexpected output format: %w", err)
	}
	for _, u := range list {
		if u != "" {
			return u, nil
		}
	}
	return "", fmt.Errorf("result output is empty")
}

// VerifyCallbackSecret compares the presented secret with the configured one
// in constant time. An unset secret rejects every callback.
func VerifyCallbackSecret(configured, presented string) error {
	if configured == "" || presented == "" {
		return ErrUnauthorizedCallback
	}
	if subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) != 1 {
		return ErrUnauthorizedCallback
	}
	return nil
}
