package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/baseline"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/logging"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/replay"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/storage"
)

// #region command
var (
	dbPath       string
	outPath      string
	userRef      string
	last         int
	lookbackDays int
)

var rootCmd = &cobra.Command{
	Use:   "fixture-export",
	Short: "Export logged ticks and their baselines as a replay fixture",
	Long: `Reads evaluated ticks from the decision log together with the baselines stored for
the same users, and writes a replay fixture whose expected results are the recorded
decisions. The fixture replays from empty detector state, so export from a point where
no cooldown was active.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&dbPath, "db", "adaptive_care.db", "path to the controller database")
	rootCmd.Flags().StringVar(&outPath, "out", "", "output fixture JSON path")
	rootCmd.Flags().StringVar(&userRef, "user", "", "export one user only")
	rootCmd.Flags().IntVar(&last, "last", 50, "number of most recent ticks to export")
	rootCmd.Flags().IntVar(&lookbackDays, "lookback-days", baseline.DefaultProviderConfig().LookbackDays, "days of baselines to include before the first tick")
	_ = rootCmd.MarkFlagRequired("out")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion command

// #region extract
func run(ctx context.Context) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	log := logging.NewDecisionLog(db.SQL())
	src := baseline.NewSQLiteSource(db.SQL())
	if err := db.MigrateAll(ctx, log, src); err != nil {
		return err
	}

	ticks, err := log.Ticks(ctx, logging.Filter{UserRef: userRef})
	if err != nil {
		return fmt.Errorf("read ticks: %w", err)
	}
	if len(ticks) == 0 {
		return fmt.Errorf("no ticks found in decision_log")
	}
	if last > 0 && len(ticks) > last {
		ticks = ticks[len(ticks)-last:]
	}

	f := &replay.Fixture{
		Description: fmt.Sprintf("exported from %s at %s", dbPath, time.Now().UTC().Format(time.RFC3339)),
	}
	first := ticks[0].TS
	counts := map[string]int{}
	metrics := map[string]map[string]bool{}
	for _, t := range ticks {
		counts[t.UserRef]++
		id := fmt.Sprintf("%s-%d", t.UserRef, counts[t.UserRef])
		f.Ticks = append(f.Ticks, replay.FixtureTick{TickID: id, UserRef: t.UserRef, TS: t.TS, Metrics: t.Metrics})
		f.ExpectedResults = append(f.ExpectedResults, replay.FixtureExpectedResult{TickID: id, Mode: t.Mode, Trigger: t.Trigger})
		if t.TS.Before(first) {
			first = t.TS
		}
		if metrics[t.UserRef] == nil {
			metrics[t.UserRef] = map[string]bool{}
		}
		for m := range t.Metrics {
			metrics[t.UserRef][m] = true
		}
	}

	f.Baselines, err = exportBaselines(ctx, src, metrics, first.AddDate(0, 0, -lookbackDays), first)
	if err != nil {
		return err
	}
	if err := f.Save(outPath); err != nil {
		return err
	}
	fmt.Printf("Exported %d ticks and %d baselines to %s\n", len(f.Ticks), len(f.Baselines), outPath)
	return nil
}

// exportBaselines collects every usable mean/stddev pair stored between since and until.
func exportBaselines(ctx context.Context, src baseline.Source, metrics map[string]map[string]bool, since, until time.Time) ([]replay.FixtureBaseline, error) {
	users := make([]string, 0, len(metrics))
	for u := range metrics {
		users = append(users, u)
	}
	sort.Strings(users)

	var out []replay.FixtureBaseline
	for _, u := range users {
		names := make([]string, 0, len(metrics[u]))
		for m := range metrics[u] {
			names = append(names, m)
		}
		sort.Strings(names)
		for _, m := range names {
			dates, err := src.RecentDates(ctx, u, m, since, until)
			if err != nil {
				return nil, fmt.Errorf("baseline dates %s/%s: %w", u, m, err)
			}
			for _, d := range dates {
				day, err := src.DayStats(ctx, u, m, d)
				if err != nil {
					return nil, fmt.Errorf("baseline day %s/%s: %w", u, m, err)
				}
				out = append(out, dayBaselines(u, m, day)...)
			}
		}
	}
	return out, nil
}

func dayBaselines(userRef, metric string, day baseline.Day) []replay.FixtureBaseline {
	var out []replay.FixtureBaseline
	for b := 0; b < baseline.BucketCount; b++ {
		mean, ok := day.Means[b]
		if !ok {
			mean, ok = day.Avgs[b]
		}
		sd, sdOK := day.StdDevs[b]
		if !ok || !sdOK {
			continue
		}
		out = append(out, replay.FixtureBaseline{
			UserRef: userRef,
			Metric:  metric,
			Date:    day.Date.Format(time.DateOnly),
			Bucket:  b,
			Mean:    mean,
			StdDev:  sd,
		})
	}
	return out
}

// #endregion extract
