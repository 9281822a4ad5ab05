package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/logging"
)

var (
	flagServer    string
	flagUser      string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking TESTBED_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("TESTBED_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the testbedctl CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "testbedctl",
		Short: "testbedctl manages the IoT testbed",
		Long:  "testbedctl submits firmware job groups to the IoT testbed and manages its gateways and devices.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, flagUser, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Testbed server URL (or TESTBED_SERVER env)")
	root.PersistentFlags().StringVar(&flagUser, "user", os.Getenv("TESTBED_USER"), "Submitting user name (or TESTBED_USER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newQueueCmd(),
		newLogsCmd(),
		newUploadCmd(),
		newGatewaysCmd(),
		newDevicesCmd(),
	)

	return root
}
