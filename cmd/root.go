// Package cmd defines the sift command line: a server mode, one-shot
// ingestion commands and an ad-hoc query command.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "sift",
	Short: "sift - retrieval-augmented document question answering",
	Long: `sift keeps a pgvector index in sync with your documents and
answers questions against it, falling back to web search when the
index has nothing to say.

Run "sift serve" to start the API server and the ingestion scheduler.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to configuration file")
}
