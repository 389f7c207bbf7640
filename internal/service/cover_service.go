package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/coverlab/api/internal/logger"
	"github.com/coverlab/api/internal/model"
	"github.com/coverlab/api/internal/pipeline"
	"github.com/coverlab/api/internal/store"
)

const (
	DefaultPageSize = 12
	MaxPageSize     = 50
)

// ErrJobTerminal is returned when canceling a job that already finished.
var ErrJobTerminal = errors.New("job already finished")

// CoverStore is the persistence the cover service reads and writes
type CoverStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListCompleted(ctx context.Context, limit, offset int) ([]model.Job, error)
	CountCompleted(ctx context.Context) (int64, error)
	ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error)
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
}

// Pipeline is the orchestrator surface used by the service
type Pipeline interface {
	Start(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) ([]pipeline.StageID, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	Fail(ctx context.Context, jobID string, err error)
}

// CoverService accepts cover requests and answers job queries
type CoverService struct {
	store      CoverStore
	pipeline   Pipeline
	validator  *validator.Validate
	background bool
	log        *logger.Logger
}

type CoverOption func(*CoverService)

// WithBackgroundStart starts jobs outside the request. Used with inline
// dispatch, where starting runs the first stages in process.
func WithBackgroundStart() CoverOption {
	return func(s *CoverService) { s.background = true }
}

func WithCoverLogger(l *logger.Logger) CoverOption {
	return func(s *CoverService) { s.log = l }
}

// NewCoverService creates a new cover service
func NewCoverService(st CoverStore, p Pipeline, v *validator.Validate, opts ...CoverOption) *CoverService {
	if v == nil {
		v = NewValidator()
	}
	s := &CoverService{
		store:     st,
		pipeline:  p,
		validator: v,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "cover-service")
	return s
}

// Create validates a request, persists the job and starts the pipeline
func (s *CoverService) Create(ctx context.Context, userID string, req *model.CreateCoverRequest) (*model.CreateCoverResponse, error) {
	req.SourceURL = strings.TrimSpace(req.SourceURL)
	req.AudioURL = strings.TrimSpace(req.AudioURL)
	req.ImagePrompt = strings.TrimSpace(req.ImagePrompt)

	if err := s.validator.Struct(req); err != nil {
		return nil, &ValidationError{Message: "Validation failed", Fields: formatValidationErrors(err)}
	}

	job := &model.Job{
		ID:         uuid.New().String(),
		UserID:     userID,
		SourceKind: model.SourceKindLink,
		SourceURL:  req.SourceURL,
		Character:  req.Character,
		Status:     model.JobStatusExtractingAudio,
	}
	if req.AudioURL != "" {
		job.SourceKind = model.SourceKindUpload
		job.SourceURL = req.AudioURL
	}
	if req.ImagePrompt != "" {
		prompt := req.ImagePrompt
		job.Prompt = &prompt
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info("job created", "jobId", job.ID, "character", job.Character, "source", job.SourceKind)

	if s.background {
		go s.start(context.WithoutCancel(ctx), job.ID)
	} else {
		s.start(ctx, job.ID)
	}

	return &model.CreateCoverResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, nil
}

// start never reports to the caller: a pipeline that cannot start has
// already failed the job, which the caller observes by polling.
func (s *CoverService) start(ctx context.Context, jobID string) {
	if err := s.pipeline.Start(ctx, jobID); err != nil {
		s.log.Error("failed to start job", "jobId", jobID, "error", err)
	}
}

// Get returns a job with its artifacts
func (s *CoverService) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.store.GetJob(ctx, id)
}

// ListCompleted returns one gallery page. limit and offset are clamped.
func (s *CoverService) ListCompleted(ctx context.Context, limit, offset int) (*model.CoverPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	var (
		jobs  []model.Job
		total int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		jobs, err = s.store.ListCompleted(gctx, limit, offset)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = s.store.CountCompleted(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []model.Job{}
	}

	return &model.CoverPage{
		Covers:  jobs,
		Total:   total,
		HasMore: int64(offset+len(jobs)) < total,
		Limit:   limit,
		Offset:  offset,
	}, nil
}

// ListJobs returns the newest jobs, optionally filtered by status. Used by
// the admin CLI.
func (s *CoverService) ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error) {
	if status != "" && !status.Valid() {
		return nil, &ValidationError{Message: "Unknown status", Fields: map[string]string{"status": string(status)}}
	}
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListJobs(ctx, status, limit)
}

// Progress returns the polling view of a job
func (s *CoverService) Progress(ctx context.Context, id string) (*model.ProgressResponse, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return ProgressOf(job), nil
}

// ProgressOf builds the polling view of a loaded job
func ProgressOf(job *model.Job) *model.ProgressResponse {
	return &model.ProgressResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		Message:      pipeline.Describe(job, job.Artifacts),
		ErrorMessage: job.ErrorMessage,
		VideoURL:     job.VideoURL,
	}
}

// Artifact returns a single artifact record
func (s *CoverService) Artifact(ctx context.Context, id string) (*model.Artifact, error) {
	return s.store.GetArtifact(ctx, id)
}

// Cancel stops a running job
func (s *CoverService) Cancel(ctx context.Context, id string) (*model.CancelCoverResponse, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	ok, err := s.pipeline.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobTerminal
	}
	s.log.Info("job canceled", "jobId", id)
	return &model.CancelCoverResponse{
		Success: true,
		JobID:   id,
		Status:  model.JobStatusFailed,
	}, nil
}

// Resume re-evaluates a job and re-dispatches stages that were claimed but
// never reached the provider.
func (s *CoverService) Resume(ctx context.Context, id string) (*model.Job, []pipeline.StageID, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, nil, err
	}
	stalled, err := s.pipeline.Resume(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if len(stalled) > 0 {
		s.log.Info("job resumed", "jobId", id, "stages", stalled)
	}
	job, err := s.store.GetJob(ctx, id)
	return job, stalled, err
}

// Fail marks a running job failed with an operator supplied reason
func (s *CoverService) Fail(ctx context.Context, id, reason string) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, ErrJobTerminal
	}
	if strings.TrimSpace(reason) == "" {
		reason = "failed by operator"
	}
	s.pipeline.Fail(ctx, id, errors.New(reason))
	return s.store.GetJob(ctx, id)
}

// Characters returns the character catalog
func (s *CoverService) Characters() []model.Character {
	return model.Characters
}

// IsNotFound reports whether err means the record does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
