package commands

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/coverlab/api/internal/client"
	"github.com/coverlab/api/internal/config"
	"github.com/coverlab/api/internal/logger"
	"github.com/coverlab/api/internal/model"
	"github.com/coverlab/api/internal/pipeline"
	"github.com/coverlab/api/internal/realtime"
	"github.com/coverlab/api/internal/service"
	"github.com/coverlab/api/internal/store"
	"github.com/coverlab/api/internal/worker"
)

// Admin is what the job commands operate on
type Admin interface {
	ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Resume(ctx context.Context, id string) (*model.Job, []pipeline.StageID, error)
	Fail(ctx context.Context, id, reason string) (*model.Job, error)
	Cancel(ctx context.Context, id string) (*model.CancelCoverResponse, error)
}

var (
	// adminInstance is set by PersistentPreRunE, or by tests beforehand.
	adminInstance Admin
	// dispatchErr is set when stages cannot be queued from this process.
	dispatchErr error
	cleanup     []func()
	verbose     bool
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:           "coverctl",
	Short:         "coverctl - operate cover jobs directly against the database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if adminInstance != nil {
			return nil
		}
		return initAdmin(cmd.Context())
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		cleanup = nil
	},
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline activity to stderr")
	RootCmd.AddCommand(GetJobsCmd())
}

// Execute runs the root command
func Execute() error {
	return RootCmd.Execute()
}

// initAdmin wires the cover service the same way the server does. Stage
// work is never run here: re-dispatched stages go to the server's queue, so
// resume needs redis while the other commands only need the database.
func initAdmin(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	lg := logger.Nop()
	if verbose {
		if lg, err = logger.New("development", "debug"); err != nil {
			return err
		}
	}

	db, err := store.Open(cfg.Database, store.WithLogger(lg))
	if err != nil {
		return err
	}
	st := store.New(db)

	opts := []pipeline.Option{
		pipeline.WithLogger(lg),
		pipeline.WithCanceler(client.NewReplicateClient(&cfg.Replicate, lg)),
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	cleanup = append(cleanup, func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err == nil {
		bus, err := realtime.NewRedisBus(rdb, cfg.Redis.Channel, lg)
		if err != nil {
			return err
		}
		redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		asynqClient := asynq.NewClient(redisOpt)
		inspector := asynq.NewInspector(redisOpt)
		cleanup = append(cleanup, func() {
			_ = asynqClient.Close()
			_ = inspector.Close()
		})
		queue := worker.NewStageQueue(asynqClient, lg, worker.WithTaskDeleter(inspector))
		opts = append(opts, pipeline.WithNotifier(bus), pipeline.WithQueue(queue))
	} else {
		dispatchErr = fmt.Errorf("redis unavailable at %s: %w", cfg.Redis.Addr, err)
	}

	orchestrator := pipeline.NewOrchestrator(st, opts...)
	adminInstance = service.NewCoverService(st, orchestrator, nil, service.WithCoverLogger(lg))
	return nil
}
