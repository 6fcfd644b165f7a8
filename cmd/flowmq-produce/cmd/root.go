package cmd

import (
	"github.com/spf13/cobra"
)

var (
	serviceURLFlag string
	topicFlag      string
	timeoutFlag    int
)

var rootCmd = &cobra.Command{
	Use:   "flowmq-produce",
	Short: "Publish messages to a flowmq broker from the command line",
	Long: `flowmq-produce - publish messages to a flowmq broker.

Examples:
  flowmq-produce send -s flowmq://localhost:6650 -t orders -m '{"id": 123}'
  flowmq-produce send -s flowmq://localhost:6650 -t orders -m "hello" -k user-123
  flowmq-produce send -s flowmq://localhost:6650 -t orders -f messages.jsonl`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serviceURLFlag, "service-url", "s", "flowmq://localhost:6650",
		"Broker service URL")
	rootCmd.PersistentFlags().StringVarP(&topicFlag, "topic", "t", "",
		"Topic to publish to (required)")
	rootCmd.PersistentFlags().IntVar(&timeoutFlag, "timeout", 30,
		"Per-send timeout in seconds")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(versionCmd)
}
