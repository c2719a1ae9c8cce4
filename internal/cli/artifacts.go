package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newArtifactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <job_id>",
		Short: "Get download links for a finished job's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/jobs/" + id + "/artifacts")
			if err != nil {
				return fmt.Errorf("get artifacts: %w", err)
			}

			var arts struct {
				Log     struct{ GetURL string `json:"get_url"` } `json:"log"`
				Results struct{ GetURL string `json:"get_url"` } `json:"results"`
			}
			if err := json.Unmarshal(resp.Data, &arts); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if arts.Log.GetURL == "" && arts.Results.GetURL == "" {
				fmt.Println("No artifacts recorded for this job.")
				return nil
			}
			if arts.Log.GetURL != "" {
				fmt.Printf("Log:     %s\n", arts.Log.GetURL)
			}
			if arts.Results.GetURL != "" {
				fmt.Printf("Results: %s\n", arts.Results.GetURL)
			}
			return nil
		},
	}
}
