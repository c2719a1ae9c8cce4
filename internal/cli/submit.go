package cli

import (
	"encoding/json"
	"fmt"

	"github.com/me/gpubroker/pkg/model"
	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var (
		image      string
		maxRuntime float64
		gpuModel   string
		minVRAM    int
		maxPrice   float64
		location   string
	)

	cmd := &cobra.Command{
		Use:   "submit <command>",
		Short: "Submit a GPU job",
		Long:  "Submit a command for execution on a matching GPU host.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"command":            args[0],
				"docker_image":       image,
				"max_runtime_hours":  maxRuntime,
				"gpu_model_filter":   gpuModel,
				"min_vram_gb":        minVRAM,
				"max_price_per_hour": maxPrice,
				"location_filter":    location,
			}

			resp, err := client.Post("/api/v1/jobs", req)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}

			var job model.Job
			if err := json.Unmarshal(resp.Data, &job); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Job submitted: %s (status: %s)\n", job.ID, job.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "Docker image to run the command in")
	cmd.Flags().Float64Var(&maxRuntime, "max-runtime", 0, "Runtime limit in hours (0 = unlimited)")
	cmd.Flags().StringVar(&gpuModel, "gpu-model", "", "Require a GPU model (substring match)")
	cmd.Flags().IntVar(&minVRAM, "min-vram", 0, "Require at least this much VRAM in GB")
	cmd.Flags().Float64Var(&maxPrice, "max-price", 0, "Maximum hourly price")
	cmd.Flags().StringVar(&location, "location", "", "Require a host location (substring match)")
	return cmd
}
