package cli

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/me/gpubroker/pkg/model"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Check the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/jobs/" + id)
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}

			var job model.Job
			if err := json.Unmarshal(resp.Data, &job); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Job: %s\n", job.ID)
			fmt.Printf("  Status:    %s\n", job.Status)
			fmt.Printf("  Command:   %s\n", job.Command)
			if job.DockerImage != "" {
				fmt.Printf("  Image:     %s\n", job.DockerImage)
			}
			if job.AssignedHostID != "" {
				fmt.Printf("  Host:      %s\n", job.AssignedHostID)
			}
			fmt.Printf("  Attempts:  %d\n", job.Attempts)
			fmt.Printf("  Submitted: %s\n", humanize.Time(job.SubmittedAt))
			if job.StartedAt != nil {
				fmt.Printf("  Started:   %s\n", humanize.Time(*job.StartedAt))
			}
			if job.CompletedAt != nil {
				fmt.Printf("  Finished:  %s\n", humanize.Time(*job.CompletedAt))
			}
			if job.Cost > 0 {
				fmt.Printf("  Cost:      $%.2f\n", job.Cost)
			}
			if job.Result != nil {
				if job.Result.ExitCode != nil {
					fmt.Printf("  Exit code: %d\n", *job.Result.ExitCode)
				}
				if job.Result.Error != "" {
					fmt.Printf("  Error:     %s\n", job.Result.Error)
				}
			}
			return nil
		},
	}
}
