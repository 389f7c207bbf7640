package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coverlab/api/internal/model"
)

// JobTx is the job-scoped view handed to a locked evaluation pass.
type JobTx struct {
	tx    *gorm.DB
	jobID string
}

// WithJobLock runs fn inside a transaction holding the job row lock. fn sees
// the job and all of its artifacts as of the lock. Everything fn writes
// through the JobTx commits or rolls back together.
func (s *Store) WithJobLock(ctx context.Context, jobID string, fn func(tx *JobTx, job *model.Job, artifacts []model.Artifact) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", jobID).
			First(&job).Error
		if err != nil {
			return notFound(err, "job")
		}

		var artifacts []model.Artifact
		if err := tx.Where("job_id = ?", jobID).Order("created_at ASC").Find(&artifacts).Error; err != nil {
			return fmt.Errorf("failed to load artifacts: %w", err)
		}

		return fn(&JobTx{tx: tx, jobID: jobID}, &job, artifacts)
	})
}

// SetProgress persists the derived status and progress of a non-terminal job.
func (t *JobTx) SetProgress(status model.JobStatus, progress int) error {
	err := t.tx.Model(&model.Job{}).
		Where("id = ? AND status NOT IN ?", t.jobID, model.TerminalStatuses).
		Updates(map[string]interface{}{
			"status":   status,
			"progress": progress,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// ClaimArtifact inserts the pending placeholder for an output type. It
// returns the placeholder and true only for the caller whose insert won; any
// existing row for (job, type) makes it return false.
func (t *JobTx) ClaimArtifact(typ model.ArtifactType) (*model.Artifact, bool, error) {
	a := &model.Artifact{
		ID:    uuid.New().String(),
		JobID: t.jobID,
		Type:  typ,
	}
	res := t.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "type"}},
		DoNothing: true,
	}).Create(a)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to claim %s: %w", typ, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	return a, true, nil
}
