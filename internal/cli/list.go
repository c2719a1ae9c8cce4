package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/me/gpubroker/pkg/model"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/jobs"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}

			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			var jobs []model.Job
			if err := json.Unmarshal(resp.Data, &jobs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			fmt.Printf("%-14s  %-10s  %-12s  %-8s  %s\n", "ID", "STATUS", "HOST", "COST", "SUBMITTED")
			fmt.Printf("%-14s  %-10s  %-12s  %-8s  %s\n", "----", "------", "----", "----", "---------")
			for _, j := range jobs {
				cost := "-"
				if j.Cost > 0 {
					cost = fmt.Sprintf("$%.2f", j.Cost)
				}
				host := j.AssignedHostID
				if host == "" {
					host = "-"
				}
				fmt.Printf("%-14s  %-10s  %-12s  %-8s  %s\n",
					j.ID, j.Status, host, cost, humanize.Time(j.SubmittedAt))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(jobs), resp.Pagination.Total)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by job status")
	return cmd
}
