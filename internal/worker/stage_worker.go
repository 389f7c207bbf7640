package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/coverlab/api/internal/config"
	"github.com/coverlab/api/internal/logger"
	"github.com/coverlab/api/internal/pipeline"
)

const (
	TaskTypeStage = "pipeline:stage"
	QueuePipeline = "pipeline"
)

// StagePayload identifies one claimed stage of one job
type StagePayload struct {
	JobID string           `json:"jobId"`
	Stage pipeline.StageID `json:"stage"`
}

// Enqueuer is the part of asynq.Client the queue uses
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskDeleter is the part of asynq.Inspector used to clear the retained or
// archived task of a stage before it is queued again
type TaskDeleter interface {
	DeleteTask(queue, id string) error
}

// ErrStageQueued is returned by RequeueStage when the stage task still
// exists and could not be cleared.
var ErrStageQueued = errors.New("stage task already exists")

// StageQueue implements pipeline.StageQueue on top of asynq
type StageQueue struct {
	client Enqueuer
	tasks  TaskDeleter
	log    *logger.Logger
}

type QueueOption func(*StageQueue)

// WithTaskDeleter lets RequeueStage clear a finished or archived stage task.
func WithTaskDeleter(d TaskDeleter) QueueOption {
	return func(q *StageQueue) { q.tasks = d }
}

func NewStageQueue(client Enqueuer, log *logger.Logger, opts ...QueueOption) *StageQueue {
	if log == nil {
		log = logger.Nop()
	}
	q := &StageQueue{client: client, log: log.With("component", "stage-queue")}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// StageTaskID is the asynq task id of a stage of a job.
func StageTaskID(jobID string, stage pipeline.StageID) string {
	return fmt.Sprintf("%s:%s", jobID, stage)
}

// NewStageTask builds the task for a stage. The task id is derived from the
// job and stage so the same claim can never be queued twice.
func NewStageTask(jobID string, stage pipeline.StageID) (*asynq.Task, error) {
	data, err := json.Marshal(StagePayload{JobID: jobID, Stage: stage})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeStage, data), nil
}

// EnqueueStage queues a claimed stage. The orchestrator already fails the job
// on stage errors, so the task is never retried.
func (q *StageQueue) EnqueueStage(ctx context.Context, jobID string, stage pipeline.StageID) error {
	err := q.enqueue(ctx, jobID, stage)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		q.log.Debug("stage already queued", "jobId", jobID, "stage", stage)
		return nil
	}
	return err
}

// RequeueStage queues a stage whose earlier task was lost. A completed or
// archived task still holds the task id, so it is deleted first. A task that
// is pending or running cannot be deleted and yields ErrStageQueued.
func (q *StageQueue) RequeueStage(ctx context.Context, jobID string, stage pipeline.StageID) error {
	id := StageTaskID(jobID, stage)
	if q.tasks != nil {
		err := q.tasks.DeleteTask(QueuePipeline, id)
		switch {
		case err == nil:
			q.log.Info("cleared previous stage task", "jobId", jobID, "stage", stage)
		case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		default:
			return fmt.Errorf("stage %s of job %s: %w: %v", stage, jobID, ErrStageQueued, err)
		}
	}

	err := q.enqueue(ctx, jobID, stage)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("stage %s of job %s: %w", stage, jobID, ErrStageQueued)
	}
	return err
}

func (q *StageQueue) enqueue(ctx context.Context, jobID string, stage pipeline.StageID) error {
	task, err := NewStageTask(jobID, stage)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = q.client.EnqueueContext(ctx, task,
		asynq.TaskID(StageTaskID(jobID, stage)),
		asynq.Queue(QueuePipeline),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	q.log.Debug("stage queued", "jobId", jobID, "stage", stage)
	return nil
}

// StageRunner runs one claimed stage to completion
type StageRunner interface {
	RunStage(ctx context.Context, jobID string, stage pipeline.StageID)
}

// StageWorker processes stage tasks
type StageWorker struct {
	runner StageRunner
	log    *logger.Logger
}

func NewStageWorker(runner StageRunner, log *logger.Logger) *StageWorker {
	if log == nil {
		log = logger.Nop()
	}
	return &StageWorker{runner: runner, log: log.With("component", "stage-worker")}
}

// ProcessTask handles a stage task. Stage failures are recorded on the job
// by the runner; only malformed tasks are reported back to asynq.
func (w *StageWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload StagePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}
	if _, ok := pipeline.LookupStage(payload.Stage); !ok {
		return fmt.Errorf("unknown stage %q: %w", payload.Stage, asynq.SkipRetry)
	}

	w.log.Info("processing stage", "jobId", payload.JobID, "stage", payload.Stage)
	w.runner.RunStage(ctx, payload.JobID, payload.Stage)
	return nil
}

// NewServer builds the asynq server consuming the pipeline queue.
func NewServer(cfg *config.Config, log *logger.Logger) *asynq.Server {
	level := asynq.InfoLevel
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		level = asynq.DebugLevel
	case "warn":
		level = asynq.WarnLevel
	case "error":
		level = asynq.ErrorLevel
	}

	concurrency := cfg.Pipeline.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueuePipeline: 1,
			},
			LogLevel: level,
			Logger:   log.SugaredLogger,
		},
	)
}

// NewServeMux routes stage tasks to w.
func NewServeMux(w *StageWorker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeStage, w.ProcessTask)
	return mux
}
