package cli

import (
	"log/slog"
	"os"

	"github.com/me/gpubroker/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagToken     string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking GPUBROKER_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("GPUBROKER_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the gpubroker CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gpubroker",
		Short: "gpubroker rents GPU time on the compute marketplace",
		Long:  "gpubroker submits, monitors, and cancels GPU jobs on a broker server.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			token := flagToken
			if token == "" {
				token = LoadToken()
			}
			client = NewClient(flagServer, token, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Broker server URL (or GPUBROKER_SERVER env)")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "API token (defaults to stored credentials)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newLoginCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newEventsCmd(),
		newWatchCmd(),
		newMarketCmd(),
		newArtifactsCmd(),
	)

	return root
}
