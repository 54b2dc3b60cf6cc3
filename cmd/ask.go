package cmd

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/siftd/sift/internal/app"
)

var askSessionID string

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a one-shot question against the index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Setup(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close(cmd.Context()) }()

		sessionID := askSessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		res, err := a.Service.HandleQuery(cmd.Context(), strings.Join(args, " "), "cli", sessionID, "")
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, res.Answer)
		if len(res.Citations) > 0 {
			fmt.Fprintf(out, "\nSources: %s\n", strings.Join(res.Citations, ", "))
		}
		for _, q := range res.SuggestedQuestions {
			fmt.Fprintf(out, "  ? %s\n", q)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askSessionID, "session", "", "session id for conversational context")
	rootCmd.AddCommand(askCmd)
}
