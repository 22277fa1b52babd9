package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/caption-digest/internal/workflow"
)

var languagesCmd = &cobra.Command{
	Use:   "languages [URL]",
	Short: "List the caption languages of a video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, _, err := newSequencer()
		if err != nil {
			return err
		}
		snap, err := seq.SubmitURL(cmd.Context(), args[0])
		if err == nil && snap.Stage == workflow.StageVideoIdentified {
			snap, err = seq.ListLanguages(cmd.Context())
		}
		if err != nil {
			return userError(err)
		}

		if snap.Title != "" {
			fmt.Fprintln(cmd.OutOrStdout(), snap.Title)
		}
		for _, code := range slices.Sorted(maps.Keys(snap.Languages)) {
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", code, snap.Languages[code])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}
