package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/logging"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/reward"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/storage"
)

// #region command
var (
	dbPath   string
	userRef  string
	limit    int
	jsonOut  bool
	kindFlag string
	afterID  int64
)

var rootCmd = &cobra.Command{
	Use:          "inspect",
	Short:        "Inspect reward stats, committed selections and the decision log",
	SilenceUsage: true,
}

var rewardsCmd = &cobra.Command{
	Use:   "rewards",
	Short: "List Beta posterior stats, global unless --user is given",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, db *storage.DB) error {
			rows, err := reward.NewStore(db.SQL(), reward.DefaultWeights()).List(ctx, userRef, limit)
			if err != nil {
				return err
			}
			return printRewards(cmd.OutOrStdout(), rows)
		})
	},
}

var selectionsCmd = &cobra.Command{
	Use:   "selections",
	Short: "List committed selections for --user, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if userRef == "" {
			return fmt.Errorf("--user is required")
		}
		return withDB(cmd.Context(), func(ctx context.Context, db *storage.DB) error {
			sels, err := orchestrator.NewStore(db.SQL()).ListSelections(ctx, userRef, limit)
			if err != nil {
				return err
			}
			return printSelections(cmd.OutOrStdout(), sels)
		})
	},
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List decision log entries in insertion order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, db *storage.DB) error {
			entries, err := logging.NewDecisionLog(db.SQL()).Query(ctx, logging.Filter{
				UserRef: userRef,
				Kind:    logging.Kind(kindFlag),
				AfterID: afterID,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			return printDecisions(cmd.OutOrStdout(), entries)
		})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dbPath, "db", "adaptive_care.db", "path to the controller database")
	pf.StringVar(&userRef, "user", "", "filter to one user")
	pf.IntVar(&limit, "limit", 20, "maximum rows to show")
	pf.BoolVar(&jsonOut, "json", false, "output as JSON instead of a table")

	decisionsCmd.Flags().StringVar(&kindFlag, "kind", "", "filter by kind: tick, selection or feedback")
	decisionsCmd.Flags().Int64Var(&afterID, "after", 0, "only entries with a larger id")

	rootCmd.AddCommand(rewardsCmd, selectionsCmd, decisionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion command

// #region db
// withDB opens the database and ensures the tables exist so an empty file reads as empty.
func withDB(ctx context.Context, fn func(context.Context, *storage.DB) error) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	sqlDB := db.SQL()
	if err := db.MigrateAll(ctx,
		reward.NewStore(sqlDB, reward.DefaultWeights()),
		orchestrator.NewStore(sqlDB),
		logging.NewDecisionLog(sqlDB),
	); err != nil {
		return err
	}
	return fn(ctx, db)
}

// #endregion db

// #region output
func printRewards(w io.Writer, rows []reward.Row) error {
	if jsonOut {
		return printJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "no reward stats found")
		return nil
	}
	fmt.Fprintf(w, "%-16s| %-20s| %8s| %8s| %8s| %s\n", "User", "Content", "Alpha", "Beta", "Mean", "Updated")
	for _, r := range rows {
		user := r.UserRef
		if user == "" {
			user = "(global)"
		}
		fmt.Fprintf(w, "%-16s| %-20s| %8.3f| %8.3f| %8.3f| %s\n",
			user, r.ContentID, r.Stats.Alpha, r.Stats.Beta, r.Stats.Mean(), r.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func printSelections(w io.Writer, sels []orchestrator.Selection) error {
	if jsonOut {
		return printJSON(w, sels)
	}
	if len(sels) == 0 {
		fmt.Fprintln(os.Stderr, "no selections found")
		return nil
	}
	fmt.Fprintf(w, "%-38s| %-16s| %-12s| %-16s| %7s| %s\n", "Selection", "Category", "Trigger", "Content", "Score", "Created")
	for _, s := range sels {
		fmt.Fprintf(w, "%-38s| %-16s| %-12s| %-16s| %7.4f| %s\n",
			s.ID, s.Category, s.Trigger, s.ContentID, s.Breakdown.Score, s.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func printDecisions(w io.Writer, entries []logging.DecisionEntry) error {
	if jsonOut {
		return printJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no decisions found")
		return nil
	}
	fmt.Fprintf(w, "%6s| %-12s| %-10s| %-14s| %-10s| %s\n", "ID", "User", "Kind", "Decision", "Trigger", "Reason")
	for _, e := range entries {
		fmt.Fprintf(w, "%6d| %-12s| %-10s| %-14s| %-10s| %s\n",
			e.ID, e.UserRef, e.Kind, e.Decision, e.Trigger, truncate(e.Reason, 60))
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// #endregion output
