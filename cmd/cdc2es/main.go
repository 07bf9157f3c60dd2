// Command cdc2es streams changes of a MongoDB or PostgreSQL source into a
// search index.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cdc2es",
		Short: "Change data capture from a replication log into a search index",
		Long: `cdc2es tails a MongoDB oplog (including GridFS buckets) or a PostgreSQL
logical replication slot and keeps a search index in sync with it.

Commands:
  run       Start syncing with the given configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cdc2es %s (commit: %s)\n", version, commit)
		},
	}
}
