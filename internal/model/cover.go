package model

import "time"

// CreateCoverRequest represents the request to start a cover job. Exactly one
// of SourceURL (a YouTube link) or AudioURL (a previously uploaded file) is set.
type CreateCoverRequest struct {
	SourceURL   string `json:"sourceUrl" validate:"omitempty,youtube_url"`
	AudioURL    string `json:"audioUrl" validate:"omitempty,url"`
	Character   string `json:"character" validate:"required,character"`
	ImagePrompt string `json:"imagePrompt" validate:"omitempty,max=500"`
}

// CreateCoverResponse represents the response when a job is accepted
type CreateCoverResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// CoverPage is one page of completed jobs, newest first
type CoverPage struct {
	Covers  []Job `json:"covers"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"hasMore"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
}

// ProgressResponse represents the polling view of a job
type ProgressResponse struct {
	JobID        string    `json:"jobId"`
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message"`
	ErrorMessage *string   `json:"errorMessage"`
	VideoURL     *string   `json:"videoUrl,omitempty"`
}

// CancelCoverResponse represents the response when canceling a job
type CancelCoverResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// UploadAudioResponse represents the response for a source audio upload
type UploadAudioResponse struct {
	ID          string    `json:"id"`
	FileURL     string    `json:"fileUrl"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}
