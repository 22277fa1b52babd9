package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	apperrors "github.com/GriffinCanCode/caption-digest/internal/errors"
	"github.com/GriffinCanCode/caption-digest/internal/export"
	"github.com/GriffinCanCode/caption-digest/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run [URL]",
	Short: "Fetch captions, summarize them and optionally synthesize speech",
	Example: `  digest run "https://www.youtube.com/watch?v=tAP1eZYEuKA"
  digest run tAP1eZYEuKA --lang de --min 30 --max 120
  digest run tAP1eZYEuKA --speak audio.flac --docx digest.docx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		seq, cfg, err := newSequencer()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		lang, _ := flags.GetString("lang")
		minLen, _ := flags.GetInt("min")
		maxLen, _ := flags.GetInt("max")
		if !flags.Changed("min") {
			minLen = cfg.Workflow.MinLength
		}
		if !flags.Changed("max") {
			maxLen = cfg.Workflow.MaxLength
		}
		speak, _ := flags.GetString("speak")
		out, _ := flags.GetString("out")
		docxPath, _ := flags.GetString("docx")

		events, cancel := seq.Events().Subscribe(32)
		defer cancel()
		go printProgress(cmd.ErrOrStderr(), events)

		snap, err := run(ctx, seq, args[0], lang, minLen, maxLen, speak != "")
		if err != nil {
			return userError(err)
		}

		if out != "" {
			if err := os.WriteFile(out, []byte(snap.Summary), 0o644); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), snap.Summary)
		}
		if speak != "" {
			if err := os.WriteFile(speak, seq.State().Audio, 0o644); err != nil {
				return err
			}
		}
		if docxPath != "" {
			b, err := export.Docx(export.Document{
				Title:    snap.Title,
				VideoURL: "https://www.youtube.com/watch?v=" + snap.VideoID,
				Language: snap.SelectedLanguage,
				Summary:  snap.Summary,
				Captions: snap.Captions,
			})
			if err != nil {
				return err
			}
			if err := os.WriteFile(docxPath, b, 0o644); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringP("lang", "l", "", "Caption language code (default: en, else the first listed)")
	runCmd.Flags().Int("min", 0, "Minimum summary length")
	runCmd.Flags().Int("max", 0, "Maximum summary length")
	runCmd.Flags().String("speak", "", "Synthesize the summary and write audio to this file")
	runCmd.Flags().StringP("out", "o", "", "Write the summary to this file (default: stdout)")
	runCmd.Flags().String("docx", "", "Export summary and captions as a Word document")
	rootCmd.AddCommand(runCmd)
}

// run drives one sequencer from submit to summary, and to audio when speak is set.
func run(ctx context.Context, seq *workflow.Sequencer, url, lang string, minLen, maxLen int, speak bool) (workflow.Snapshot, error) {
	snap, err := seq.SubmitURL(ctx, url)
	if err != nil {
		return snap, err
	}
	if snap.Stage == workflow.StageVideoIdentified {
		if snap, err = seq.ListLanguages(ctx); err != nil {
			return snap, err
		}
	}
	if lang == "" {
		lang = pickLanguage(snap.Languages)
	}
	if snap, err = seq.SelectLanguage(ctx, lang); err != nil {
		return snap, err
	}
	if snap, err = seq.Summarize(ctx, minLen, maxLen); err != nil {
		return snap, err
	}
	if speak {
		return seq.Synthesize(ctx)
	}
	return snap, nil
}

func pickLanguage(langs map[string]string) string {
	if _, ok := langs["en"]; ok {
		return "en"
	}
	codes := slices.Sorted(maps.Keys(langs))
	if len(codes) == 0 {
		return ""
	}
	return codes[0]
}

func printProgress(w io.Writer, events <-chan workflow.Event) {
	for e := range events {
		switch e.Type {
		case workflow.EventStage:
			fmt.Fprintf(w, "» %s\n", e.Stage)
		case workflow.EventProgress:
			fmt.Fprintf(w, "  %s: %s\n", e.Command.Label(), e.Message)
		case workflow.EventFallback:
			fmt.Fprintf(w, "  %s\n", e.Message)
		case workflow.EventFailure:
			fmt.Fprintf(w, "  %s failed: %s\n", e.Command.Label(), e.Message)
		}
	}
}

func userError(err error) error {
	if ae, ok := apperrors.As(err); ok {
		return fmt.Errorf("%s", ae.UserMessage())
	}
	return err
}
