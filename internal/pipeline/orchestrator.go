package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/coverlab/api/internal/logger"
	"github.com/coverlab/api/internal/model"
	"github.com/coverlab/api/internal/store"
)

// Store is the persistence the orchestrator and the stages rely on.
type Store interface {
	WithJobLock(ctx context.Context, jobID string, fn func(tx *store.JobTx, job *model.Job, artifacts []model.Artifact) error) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	FailJob(ctx context.Context, id, message string) (bool, error)
	CompleteJob(ctx context.Context, id, videoURL, thumbnailURL string, progress int) (bool, error)
	FindByCorrelation(ctx context.Context, correlationID string) (*model.Artifact, error)
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	SetCorrelation(ctx context.Context, artifactID, correlationID string) error
	PopulateArtifact(ctx context.Context, artifactID, location string, metadata map[string]interface{}) (bool, error)
	PendingCorrelations(ctx context.Context, jobID string) ([]string, error)
}

// StageQueue hands claimed stages to a durable worker queue. RequeueStage is
// used when repairing a job and must replace a finished task of the same
// stage instead of treating it as a duplicate.
type StageQueue interface {
	EnqueueStage(ctx context.Context, jobID string, stage StageID) error
	RequeueStage(ctx context.Context, jobID string, stage StageID) error
}

// Notifier publishes job events for live subscribers.
type Notifier interface {
	Publish(ctx context.Context, event model.JobEvent) error
}

// Canceler asks the inference provider to stop a submitted unit of work.
type Canceler interface {
	Cancel(ctx context.Context, correlationID string) error
}

// Executor runs one stage for one job. The orchestrator guarantees it is
// invoked at most once per job.
type Executor interface {
	Execute(ctx context.Context, job *model.Job, artifacts []model.Artifact) error
}

// Advancer is what synchronous stages call back into once their output is
// ready.
type Advancer interface {
	Advance(ctx context.Context, jobID string, ready model.ArtifactType) error
	Complete(ctx context.Context, jobID, videoURL, thumbnailURL string) error
}

// Orchestrator owns job transitions: it decides which stages to trigger when
// an artifact becomes ready, keeps progress in sync with the ready set and
// turns every stage error into a failed job.
type Orchestrator struct {
	store     Store
	executors map[StageID]Executor
	queue     StageQueue
	notifier  Notifier
	canceler  Canceler
	limit     int
	log       *logger.Logger
}

type Option func(*Orchestrator)

// WithQueue dispatches claimed stages through q instead of running them in
// process.
func WithQueue(q StageQueue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithCanceler(c Canceler) Option {
	return func(o *Orchestrator) { o.canceler = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithConcurrency bounds how many stages one inline dispatch runs at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.limit = n }
}

func NewOrchestrator(st Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		executors: make(map[StageID]Executor),
		notifier:  nopNotifier{},
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "orchestrator")
	return o
}

// Register binds an executor to a stage.
func (o *Orchestrator) Register(id StageID, ex Executor) {
	o.executors[id] = ex
}

// Start triggers the stages that have no requirements.
func (o *Orchestrator) Start(ctx context.Context, jobID string) error {
	o.log.Info("starting job", "jobId", jobID)
	return o.Advance(ctx, jobID, "")
}

// Advance re-evaluates a job after an artifact became ready. It claims every
// eligible stage under the job lock, persists progress and then dispatches
// the stages it claimed. Replaying it is harmless: a stage already claimed is
// never claimed again, and progress is recomputed from the ready set.
func (o *Orchestrator) Advance(ctx context.Context, jobID string, ready model.ArtifactType) error {
	claimed, err := o.evaluate(ctx, jobID)
	if err != nil {
		o.log.Error("advance failed", "jobId", jobID, "ready", ready, "error", err)
		o.Fail(ctx, jobID, fmt.Errorf("pipeline advance failed: %w", err))
		return err
	}
	if len(claimed) > 0 {
		o.log.Debug("stages claimed", "jobId", jobID, "ready", ready, "stages", claimed)
	}
	o.dispatch(ctx, jobID, claimed)
	return nil
}

func (o *Orchestrator) evaluate(ctx context.Context, jobID string) ([]StageID, error) {
	var (
		claimed []StageID
		event   *model.WSProgressMessage
	)
	err := o.store.WithJobLock(ctx, jobID, func(tx *store.JobTx, job *model.Job, artifacts []model.Artifact) error {
		if job.Status.IsTerminal() {
			return nil
		}

		ready := model.ReadySet(artifacts)
		for _, s := range Candidates(ready, existingSet(artifacts)) {
			a, ok, err := tx.ClaimArtifact(s.Output)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			claimed = append(claimed, s.ID)
			artifacts = append(artifacts, *a)
		}

		status := DeriveStatus(artifacts, job.Status)
		progress := ComputeProgress(ready, false)
		if progress < job.Progress {
			progress = job.Progress
		}
		if status == job.Status && progress == job.Progress && len(claimed) == 0 {
			return nil
		}
		if err := tx.SetProgress(status, progress); err != nil {
			return err
		}

		job.Status, job.Progress = status, progress
		event = &model.WSProgressMessage{
			Type:     model.WSMessageTypeProgress,
			JobID:    jobID,
			Progress: progress,
			Status:   status,
			Message:  Describe(job, artifacts),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if event != nil {
		o.publish(ctx, model.JobEvent{Type: model.WSMessageTypeProgress, JobID: jobID, Progress: event})
	}
	return claimed, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, jobID string, stages []StageID) {
	if len(stages) == 0 {
		return
	}

	if o.queue != nil {
		for _, id := range stages {
			if err := o.queue.EnqueueStage(ctx, jobID, id); err != nil {
				o.Fail(ctx, jobID, &StageError{Stage: id, Err: fmt.Errorf("failed to enqueue: %w", err)})
			}
		}
		return
	}

	// Independent stages run concurrently. RunStage contains its own
	// failures, so the group only waits.
	var g errgroup.Group
	if o.limit > 0 {
		g.SetLimit(o.limit)
	}
	for _, id := range stages {
		id := id
		g.Go(func() error {
			o.RunStage(ctx, jobID, id)
			return nil
		})
	}
	_ = g.Wait()
}

// RunStage executes one claimed stage. Any error or panic fails the job; it
// never propagates to the caller.
func (o *Orchestrator) RunStage(ctx context.Context, jobID string, id StageID) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("stage panicked", "jobId", jobID, "stage", id, "panic", r, "stack", string(debug.Stack()))
			o.Fail(ctx, jobID, &StageError{Stage: id, Err: fmt.Errorf("internal error: %v", r)})
		}
	}()

	ex, ok := o.executors[id]
	if !ok {
		o.Fail(ctx, jobID, &StageError{Stage: id, Err: fmt.Errorf("no executor registered")})
		return
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		o.log.Error("failed to load job for stage", "jobId", jobID, "stage", id, "error", err)
		o.Fail(ctx, jobID, &StageError{Stage: id, Err: err})
		return
	}
	if job.Status.IsTerminal() {
		o.log.Info("skipping stage of terminal job", "jobId", jobID, "stage", id, "status", job.Status)
		return
	}

	o.log.Info("running stage", "jobId", jobID, "stage", id)
	if err := ex.Execute(ctx, job, job.Artifacts); err != nil {
		o.Fail(ctx, jobID, &StageError{Stage: id, Err: err})
	}
}

// Resume runs an advance pass and then re-dispatches every claimed stage
// that has neither produced its output nor recorded a correlation id. It
// repairs jobs whose dispatch was lost. A stage that cannot be requeued is
// reported in the error and does not fail the job.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) ([]StageID, error) {
	if err := o.Advance(ctx, jobID, ""); err != nil {
		return nil, err
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, nil
	}

	var stalled []StageID
	for _, s := range Stages {
		a := model.FindArtifact(job.Artifacts, s.Output)
		if a != nil && !a.Ready() && a.CorrelationID == nil {
			stalled = append(stalled, s.ID)
		}
	}
	if o.queue == nil {
		o.dispatch(ctx, jobID, stalled)
		return stalled, nil
	}

	var (
		requeued []StageID
		errs     []error
	)
	for _, id := range stalled {
		if err := o.queue.RequeueStage(ctx, jobID, id); err != nil {
			o.log.Warn("failed to requeue stage", "jobId", jobID, "stage", id, "error", err)
			errs = append(errs, err)
			continue
		}
		requeued = append(requeued, id)
	}
	return requeued, errors.Join(errs...)
}

// Fail moves the job to failed with err's message. Only the first failure
// of a job is recorded.
func (o *Orchestrator) Fail(ctx context.Context, jobID string, err error) {
	msg := err.Error()
	ok, ferr := o.store.FailJob(ctx, jobID, msg)
	if ferr != nil {
		o.log.Error("failed to persist job failure", "jobId", jobID, "cause", msg, "error", ferr)
		return
	}
	if !ok {
		o.log.Debug("job already terminal, failure ignored", "jobId", jobID, "cause", msg)
		return
	}
	o.log.Error("job failed", "jobId", jobID, "error", msg)
	o.publish(ctx, model.JobEvent{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: &model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: jobID,
			Error: model.WSError{Code: "JOB_FAILED", Message: msg},
		},
	})
}

// Complete records the outputs of a finished job.
func (o *Orchestrator) Complete(ctx context.Context, jobID, videoURL, thumbnailURL string) error {
	ok, err := o.store.CompleteJob(ctx, jobID, videoURL, thumbnailURL, CompletedProgress())
	if err != nil {
		return err
	}
	if !ok {
		o.log.Warn("job already terminal, completion ignored", "jobId", jobID)
		return nil
	}
	o.log.Info("job completed", "jobId", jobID, "videoUrl", videoURL)
	o.publish(ctx, model.JobEvent{
		Type:  model.WSMessageTypeComplete,
		JobID: jobID,
		Complete: &model.WSCompleteMessage{
			Type:   model.WSMessageTypeComplete,
			JobID:  jobID,
			Result: model.CoverResult{VideoURL: videoURL, ThumbnailURL: thumbnailURL},
		},
	})
	return nil
}

// Cancel fails a running job and asks the provider to drop its pending work.
// It reports false when the job was already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := o.store.FailJob(ctx, jobID, "canceled by user")
	if err != nil || !ok {
		return false, err
	}
	o.publish(ctx, model.JobEvent{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: &model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: jobID,
			Error: model.WSError{Code: "CANCELED", Message: "canceled by user"},
		},
	})

	if o.canceler == nil {
		return true, nil
	}
	pending, err := o.store.PendingCorrelations(ctx, jobID)
	if err != nil {
		o.log.Warn("failed to list pending work for cancel", "jobId", jobID, "error", err)
		return true, nil
	}
	for _, id := range pending {
		if err := o.canceler.Cancel(ctx, id); err != nil {
			o.log.Warn("failed to cancel prediction", "jobId", jobID, "correlationId", id, "error", err)
		}
	}
	return true, nil
}

func (o *Orchestrator) publish(ctx context.Context, event model.JobEvent) {
	if err := o.notifier.Publish(ctx, event); err != nil {
		o.log.Warn("failed to publish job event", "jobId", event.JobID, "type", event.Type, "error", err)
	}
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, model.JobEvent) error { return nil }
