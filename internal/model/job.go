package model

import (
	"time"

	"gorm.io/datatypes"
)

// Job is one user-initiated cover request.
type Job struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID       string     `gorm:"type:varchar(128);index" json:"userId,omitempty"`
	SourceKind   SourceKind `gorm:"type:varchar(16);not null" json:"sourceKind"`
	SourceURL    string     `gorm:"type:text;not null" json:"sourceUrl"`
	Character    string     `gorm:"type:varchar(64);not null" json:"character"`
	Prompt       *string    `gorm:"type:text" json:"imagePrompt,omitempty"`
	Status       JobStatus  `gorm:"type:varchar(32);not null;index" json:"status"`
	Progress     int        `gorm:"not null;default:0" json:"progress"`
	ErrorMessage *string    `gorm:"type:text" json:"errorMessage"`
	VideoURL     *string    `gorm:"type:text" json:"videoUrl"`
	ThumbnailURL *string    `gorm:"type:text" json:"thumbnailUrl"`
	CreatedAt    time.Time  `gorm:"not null" json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `gorm:"index" json:"completedAt"`

	Artifacts []Artifact `gorm:"foreignKey:JobID" json:"artifacts,omitempty"`
}

// Artifact is one produced or pending asset of a job. An empty Location means
// the artifact has been claimed but its content is not ready yet.
type Artifact struct {
	ID            string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	JobID         string            `gorm:"type:varchar(36);not null;uniqueIndex:idx_artifacts_job_type" json:"jobId"`
	Type          ArtifactType      `gorm:"type:varchar(32);not null;uniqueIndex:idx_artifacts_job_type" json:"type"`
	Location      string            `gorm:"type:text;not null" json:"location"`
	CorrelationID *string           `gorm:"type:varchar(128);index" json:"correlationId"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"not null" json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Ready reports whether the artifact content is available.
func (a *Artifact) Ready() bool {
	return a.Location != ""
}

// ReadySet returns the set of artifact types whose location is populated.
func ReadySet(artifacts []Artifact) map[ArtifactType]bool {
	ready := make(map[ArtifactType]bool, len(artifacts))
	for i := range artifacts {
		if artifacts[i].Ready() {
			ready[artifacts[i].Type] = true
		}
	}
	return ready
}

// FindArtifact returns the artifact of the given type, or nil.
func FindArtifact(artifacts []Artifact, t ArtifactType) *Artifact {
	for i := range artifacts {
		if artifacts[i].Type == t {
			return &artifacts[i]
		}
	}
	return nil
}
