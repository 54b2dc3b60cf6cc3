package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siftd/sift/internal/app"
	"github.com/siftd/sift/internal/indexlog"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run ingestion jobs once, outside the scheduler",
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover new or changed sources under the input root",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.Setup(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close(cmd.Context()) }()
		return a.Scheduler.ScanSources(cmd.Context())
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Claim pending index logs and embed them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.Setup(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close(cmd.Context()) }()
		return a.Scheduler.ProcessPending(cmd.Context())
	},
}

var addSourceType string

var addCmd = &cobra.Command{
	Use:   "add <source>",
	Short: "Queue a single source for indexing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Setup(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close(cmd.Context()) }()

		res, err := a.Service.AddDocument(cmd.Context(), args[0], indexlog.SourceType(addSourceType), "cli")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", res.ID, res.Message, res.Status)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addSourceType, "type", "text", "source type (pdf, csv, json, text, web_page)")
	ingestCmd.AddCommand(scanCmd, processCmd, addCmd)
	rootCmd.AddCommand(ingestCmd)
}
