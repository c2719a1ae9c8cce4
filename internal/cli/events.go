package cli

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/me/gpubroker/pkg/model"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <job_id>",
		Short: "Show a job's status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/jobs/" + id + "/events")
			if err != nil {
				return fmt.Errorf("get job events: %w", err)
			}

			var events []model.JobEvent
			if err := json.Unmarshal(resp.Data, &events); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(events) == 0 {
				fmt.Println("No events recorded.")
				return nil
			}

			for _, ev := range events {
				line := fmt.Sprintf("%-20s  %s", humanize.Time(ev.At), transitionText(ev))
				if ev.Reason != "" {
					line += fmt.Sprintf("  (%s)", ev.Reason)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func transitionText(ev model.JobEvent) string {
	if ev.From == "" {
		return string(ev.To)
	}
	return fmt.Sprintf("%s to %s", ev.From, ev.To)
}
