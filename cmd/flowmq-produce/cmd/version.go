package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// clientVersion is the CLI's own version, printed by the version command.
// It is separate from the client-version string internal/cnx sends in
// CONNECT.
const clientVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("flowmq-produce " + clientVersion)
		return nil
	},
}
