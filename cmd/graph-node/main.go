package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "graph-node",
	Short: "graph-node indexes blockchain data with sandboxed mapping modules",
	Long: `graph-node runs subgraph deployments: it resolves their manifests from IPFS,
executes their mapping handlers against trigger batches in a WebAssembly
sandbox and serves the resulting entities over HTTP.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	rootCmd.AddCommand(runCmd, configCmd, startCmd, stopCmd, listCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "graph-node", version)
	},
}
