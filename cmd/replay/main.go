package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/replay"
)

// #region command
var (
	fixturePath string
	jsonOutput  bool
)

// errMismatch makes the process exit 1 without printing usage.
var errMismatch = errors.New("replay diverged from expected results")

var rootCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded tick fixture through the anomaly detector",
	Long: `Replays the ticks of a fixture through a fresh detector, using the fixture's baselines
and thresholds, and compares each decision with the recorded expectation.
Exits 1 when any decision diverges and 2 when the fixture cannot be loaded.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&fixturePath, "fixture", "", "path to fixture JSON")
	rootCmd.Flags().BoolVar(&jsonOutput, "json", false, "print results as JSON instead of a table")
	_ = rootCmd.MarkFlagRequired("fixture")
}

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
	case errors.Is(err, errMismatch):
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(2)
	}
}

// #endregion command

// #region run
func run(cmd *cobra.Command, _ []string) error {
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		return err
	}
	results, mismatches, err := replay.Run(cmd.Context(), f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, results, mismatches); err != nil {
			return err
		}
	} else {
		printTable(out, results, f.ExpectedResults)
		printSummary(out, replay.Summarize(results), mismatches)
	}
	if len(mismatches) > 0 {
		return errMismatch
	}
	return nil
}

// #endregion run

// #region output
func printTable(w io.Writer, results []replay.ReplayResult, expected []replay.FixtureExpectedResult) {
	fmt.Fprintf(w, "%-12s| %-10s| %-22s| %-22s| %s\n", "Tick", "User", "Expected", "Replayed", "Match")
	fmt.Fprintf(w, "%-12s+%-11s+%-23s+%-23s+%s\n", "------------", "-----------", "-----------------------", "-----------------------", "------")
	for i, r := range results {
		exp := "-"
		match := "-"
		if i < len(expected) {
			exp = decision(expected[i].Mode, expected[i].Trigger)
			match = "DIFF"
			if expected[i].Mode == r.Mode && expected[i].Trigger == r.Trigger {
				match = "OK"
			}
		}
		fmt.Fprintf(w, "%-12s| %-10s| %-22s| %-22s| %s\n", r.TickID, r.UserRef, exp, decision(r.Mode, r.Trigger), match)
	}
}

func printSummary(w io.Writer, s replay.ReplaySummary, mismatches []replay.Mismatch) {
	fmt.Fprintf(w, "\nSummary: %d ticks, %d normal, %d restrict, %d emergency, %d cooldown\n",
		s.TotalTicks, s.Normal, s.Restrict, s.Emergency, s.Cooldown)
	for trigger, n := range s.Triggers {
		fmt.Fprintf(w, "  %s: %d\n", trigger, n)
	}
	if len(mismatches) == 0 {
		fmt.Fprintln(w, "All decisions match.")
		return
	}
	fmt.Fprintf(w, "%d mismatches:\n", len(mismatches))
	for _, m := range mismatches {
		fmt.Fprintln(w, "  "+m.String())
	}
}

func printJSON(w io.Writer, results []replay.ReplayResult, mismatches []replay.Mismatch) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Results    []replay.ReplayResult `json:"results"`
		Summary    replay.ReplaySummary  `json:"summary"`
		Mismatches []replay.Mismatch     `json:"mismatches"`
	}{results, replay.Summarize(results), mismatches})
}

func decision(mode, trigger string) string {
	if trigger == "" {
		return mode
	}
	return mode + "/" + trigger
}

// #endregion output
