package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coverlab/api/internal/model"
)

// ErrNotFound is returned when a job or artifact does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists jobs and artifacts. It is the only shared mutable state of
// the pipeline; every mutation is a single statement or a job-scoped
// transaction.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job record.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob loads a job with its artifacts.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).
		Preload("Artifacts", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Where("id = ?", id).
		First(&job).Error
	if err != nil {
		return nil, notFound(err, "job")
	}
	return &job, nil
}

// ListCompleted returns completed jobs, most recently completed first.
func (s *Store) ListCompleted(ctx context.Context, limit, offset int) ([]model.Job, error) {
	var jobs []model.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", model.JobStatusCompleted).
		Order("completed_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list completed jobs: %w", err)
	}
	return jobs, nil
}

// CountCompleted returns the number of completed jobs.
func (s *Store) CountCompleted(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("status = ?", model.JobStatusCompleted).
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	return total, nil
}

// ListJobs returns the most recent jobs, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var jobs []model.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// FailJob moves a non-terminal job to failed. It reports false when the job
// was already terminal, in which case nothing is written.
func (s *Store) FailJob(ctx context.Context, id, message string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status NOT IN ?", id, model.TerminalStatuses).
		Updates(map[string]interface{}{
			"status":        model.JobStatusFailed,
			"error_message": message,
			"completed_at":  now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CompleteJob moves a non-terminal job to completed with both outputs set.
func (s *Store) CompleteJob(ctx context.Context, id, videoURL, thumbnailURL string, progress int) (bool, error) {
	if videoURL == "" || thumbnailURL == "" {
		return false, fmt.Errorf("completed job %s requires video and thumbnail", id)
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status NOT IN ?", id, model.TerminalStatuses).
		Updates(map[string]interface{}{
			"status":        model.JobStatusCompleted,
			"progress":      progress,
			"video_url":     videoURL,
			"thumbnail_url": thumbnailURL,
			"completed_at":  now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark job completed: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GetArtifact loads a single artifact.
func (s *Store) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	var a model.Artifact
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, notFound(err, "artifact")
	}
	return &a, nil
}

// FindByCorrelation resolves an external handle to its artifact.
func (s *Store) FindByCorrelation(ctx context.Context, correlationID string) (*model.Artifact, error) {
	var a model.Artifact
	if err := s.db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&a).Error; err != nil {
		return nil, notFound(err, "artifact")
	}
	return &a, nil
}

// SetCorrelation records the gateway handle on a claimed placeholder.
func (s *Store) SetCorrelation(ctx context.Context, artifactID, correlationID string) error {
	res := s.db.WithContext(ctx).
		Model(&model.Artifact{}).
		Where("id = ?", artifactID).
		Update("correlation_id", correlationID)
	if res.Error != nil {
		return fmt.Errorf("failed to set correlation id: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("artifact %s: %w", artifactID, ErrNotFound)
	}
	return nil
}

// PopulateArtifact sets the location of a pending artifact. The write only
// applies while the location is still empty, so of two racing deliveries
// exactly one reports true.
func (s *Store) PopulateArtifact(ctx context.Context, artifactID, location string, metadata map[string]interface{}) (bool, error) {
	if location == "" {
		return false, fmt.Errorf("artifact %s: empty location", artifactID)
	}
	updates := map[string]interface{}{"location": location}
	if metadata != nil {
		updates["metadata"] = datatypes.JSONMap(metadata)
	}
	res := s.db.WithContext(ctx).
		Model(&model.Artifact{}).
		Where("id = ? AND location = ?", artifactID, "").
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to populate artifact: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// PendingCorrelations lists the gateway handles still awaiting a result.
func (s *Store) PendingCorrelations(ctx context.Context, jobID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&model.Artifact{}).
		Where("job_id = ? AND location = ? AND correlation_id IS NOT NULL", jobID, "").
		Pluck("correlation_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending correlations: %w", err)
	}
	return ids, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
