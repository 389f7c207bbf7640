package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coverlab/api/internal/model"
	"github.com/coverlab/api/internal/pipeline"
)

// jobOutput represents the filtered output for a job
type jobOutput struct {
	ID           string           `json:"id"`
	Status       model.JobStatus  `json:"status"`
	Progress     int              `json:"progress"`
	Character    string           `json:"character"`
	ErrorMessage *string          `json:"errorMessage,omitempty"`
	VideoURL     *string          `json:"videoUrl,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	Artifacts    []artifactOutput `json:"artifacts,omitempty"`
}

type artifactOutput struct {
	Type          model.ArtifactType `json:"type"`
	Ready         bool               `json:"ready"`
	CorrelationID *string            `json:"correlationId,omitempty"`
}

func toJobOutput(job *model.Job) jobOutput {
	out := jobOutput{
		ID:           job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		Character:    job.Character,
		ErrorMessage: job.ErrorMessage,
		VideoURL:     job.VideoURL,
		CreatedAt:    job.CreatedAt,
	}
	for i := range job.Artifacts {
		a := &job.Artifacts[i]
		out.Artifacts = append(out.Artifacts, artifactOutput{Type: a.Type, Ready: a.Ready(), CorrelationID: a.CorrelationID})
	}
	return out
}

func init() {
	jobsCmd.AddCommand(listJobsCmd)
	jobsCmd.AddCommand(getJobCmd)
	jobsCmd.AddCommand(resumeJobCmd)
	jobsCmd.AddCommand(failJobCmd)
	jobsCmd.AddCommand(cancelJobCmd)

	listJobsCmd.Flags().IntP("limit", "l", 20, "Limit the number of jobs returned")
	listJobsCmd.Flags().StringP("status", "s", "", "Filter jobs by status")

	failJobCmd.Flags().StringP("reason", "r", "", "Failure reason recorded on the job")
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and repair cover jobs",
}

var listJobsCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		jobs, err := adminInstance.ListJobs(cmd.Context(), model.JobStatus(status), limit)
		if err != nil {
			return fmt.Errorf("error listing jobs: %w", err)
		}

		out := struct {
			Jobs []jobOutput `json:"jobs"`
		}{Jobs: make([]jobOutput, 0, len(jobs))}
		for i := range jobs {
			out.Jobs = append(out.Jobs, toJobOutput(&jobs[i]))
		}
		return printJSON(cmd, out)
	},
}

var getJobCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job with its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := adminInstance.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error fetching job: %w", err)
		}
		return printJSON(cmd, toJobOutput(job))
	},
}

var resumeJobCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Re-evaluate a job and re-dispatch stages that never reached the provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if dispatchErr != nil {
			return fmt.Errorf("cannot resume: %w", dispatchErr)
		}
		job, stalled, err := adminInstance.Resume(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error resuming job: %w", err)
		}
		if stalled == nil {
			stalled = []pipeline.StageID{}
		}
		return printJSON(cmd, struct {
			Job          jobOutput          `json:"job"`
			Redispatched []pipeline.StageID `json:"redispatched"`
		}{Job: toJobOutput(job), Redispatched: stalled})
	},
}

var failJobCmd = &cobra.Command{
	Use:   "fail <job-id>",
	Short: "Mark a running job failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		job, err := adminInstance.Fail(cmd.Context(), args[0], reason)
		if err != nil {
			return fmt.Errorf("error failing job: %w", err)
		}
		return printJSON(cmd, toJobOutput(job))
	},
}

var cancelJobCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job and its pending predictions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := adminInstance.Cancel(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error canceling job: %w", err)
		}
		return printJSON(cmd, res)
	},
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
	return nil
}

// GetJobsCmd returns the jobs command
func GetJobsCmd() *cobra.Command {
	return jobsCmd
}
