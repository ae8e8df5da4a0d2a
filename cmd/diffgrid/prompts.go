package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "List the prompt catalog of the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.Context(), cmd, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		prompts, err := s.client.FetchPrompts(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for i, p := range prompts {
			fmt.Fprintf(out, "%3d  %s  %s\n", i, p.Signature, p.Text)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(promptsCmd)
}
