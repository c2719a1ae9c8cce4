package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/me/gpubroker/pkg/model"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job_id>",
		Short: "Follow a job's live events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
				client.BaseURL+"/api/v1/sse/jobs/"+id, nil)
			if err != nil {
				return err
			}
			req.Header.Set("Accept", "text/event-stream")
			if client.Token != "" {
				req.Header.Set("Authorization", "Bearer "+client.Token)
			}

			// No client timeout; the stream stays open until the job ends.
			resp, err := (&http.Client{}).Do(req)
			if err != nil {
				return fmt.Errorf("open event stream: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("open event stream: HTTP %d", resp.StatusCode)
			}

			scanner := bufio.NewScanner(resp.Body)
			var eventName string
			for scanner.Scan() {
				line := scanner.Text()
				switch {
				case strings.HasPrefix(line, "event: "):
					eventName = strings.TrimPrefix(line, "event: ")
				case strings.HasPrefix(line, "data: "):
					data := strings.TrimPrefix(line, "data: ")
					if eventName == "init" {
						var job model.Job
						if err := json.Unmarshal([]byte(data), &job); err == nil {
							fmt.Printf("%s: %s\n", job.ID, job.Status)
							if job.Status.IsTerminal() {
								return nil
							}
						}
						continue
					}
					var ev model.Event
					if err := json.Unmarshal([]byte(data), &ev); err != nil {
						continue
					}
					out := fmt.Sprintf("%s: %s", ev.JobID, ev.Status)
					if ev.Reason != "" {
						out += fmt.Sprintf(" (%s)", ev.Reason)
					}
					fmt.Println(out)
					if model.JobStatus(ev.Status).IsTerminal() {
						return nil
					}
				}
			}
			return scanner.Err()
		},
	}
}
