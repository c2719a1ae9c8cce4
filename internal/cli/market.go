package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/me/gpubroker/pkg/model"
	"github.com/spf13/cobra"
)

func newMarketCmd() *cobra.Command {
	var (
		gpuModel string
		minVRAM  int
		maxPrice float64
		location string
	)

	cmd := &cobra.Command{
		Use:   "market",
		Short: "Browse idle hosts on the marketplace",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if gpuModel != "" {
				q.Set("gpu_model", gpuModel)
			}
			if minVRAM > 0 {
				q.Set("min_vram_gb", fmt.Sprint(minVRAM))
			}
			if maxPrice > 0 {
				q.Set("max_price", fmt.Sprint(maxPrice))
			}
			if location != "" {
				q.Set("location", location)
			}

			path := "/api/v1/marketplace"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list marketplace: %w", err)
			}

			var hosts []model.Host
			if err := json.Unmarshal(resp.Data, &hosts); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(hosts) == 0 {
				fmt.Println("No hosts available.")
				return nil
			}

			fmt.Printf("%-14s  %-14s  %-6s  %-8s  %-10s  %s\n", "ID", "GPU", "VRAM", "$/HOUR", "LOCATION", "IDLE SINCE")
			fmt.Printf("%-14s  %-14s  %-6s  %-8s  %-10s  %s\n", "----", "---", "----", "------", "--------", "----------")
			for _, h := range hosts {
				fmt.Printf("%-14s  %-14s  %-6s  %-8s  %-10s  %s\n",
					h.ID, h.GPUModel, fmt.Sprintf("%dGB", h.VRAMGB),
					fmt.Sprintf("$%.2f", h.PricePerHour), h.Location,
					humanize.Time(h.IdleSince))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&gpuModel, "gpu-model", "", "Filter by GPU model (substring match)")
	cmd.Flags().IntVar(&minVRAM, "min-vram", 0, "Minimum VRAM in GB")
	cmd.Flags().Float64Var(&maxPrice, "max-price", 0, "Maximum hourly price")
	cmd.Flags().StringVar(&location, "location", "", "Filter by location (substring match)")
	return cmd
}
