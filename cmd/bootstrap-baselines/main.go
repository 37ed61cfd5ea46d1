package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/baseline"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/config"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/storage"
)

// #region command
var (
	configPath  string
	samplesPath string
	target      string
	dryRun      bool
)

var rootCmd = &cobra.Command{
	Use:   "bootstrap-baselines",
	Short: "Build daily per-bucket baselines from raw telemetry samples",
	Long: `Aggregates raw samples (newline-delimited JSON objects with user_ref, metric, ts and
value) into daily mean and sample-stddev rows per 4-hour bucket, and writes them to the
SQLite database or InfluxDB bucket named in the controller config.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", envOr("ADAPTIVE_CARE_CONFIG", "config.yaml"), "path to the YAML config file")
	rootCmd.Flags().StringVar(&samplesPath, "samples", "", "samples file, newline-delimited JSON; - reads stdin")
	rootCmd.Flags().StringVar(&target, "target", "", "sqlite or influx; defaults to baseline.source from the config")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "build and report rows without writing")
	_ = rootCmd.MarkFlagRequired("samples")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion command

// #region run
// writer is implemented by both baseline stores.
type writer interface {
	Upsert(ctx context.Context, rows ...baseline.Row) error
}

func run(ctx context.Context) error {
	mgr, err := config.Load(configPath, nil)
	if err != nil {
		return err
	}
	cfg := mgr.Config()
	if target == "" {
		target = cfg.Baseline.Source
	}

	samples, err := readSamples(samplesPath)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(cfg.Anomaly.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	rows := baseline.Build(samples, baseline.BuilderConfig{Location: loc, MinSamples: cfg.Baseline.MinSamples})
	fmt.Printf("Built %d rows from %d samples.\n", len(rows), len(samples))
	if dryRun || len(rows) == 0 {
		return nil
	}

	var w writer
	switch target {
	case "sqlite":
		db, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		src := baseline.NewSQLiteSource(db.SQL())
		if err := db.MigrateAll(ctx, src); err != nil {
			return err
		}
		w = src
	case "influx":
		src, err := baseline.NewInfluxSource(cfg.Baseline.Influx)
		if err != nil {
			return err
		}
		defer src.Close()
		w = src
	default:
		return fmt.Errorf("unknown target %q", target)
	}

	if err := w.Upsert(ctx, rows...); err != nil {
		return fmt.Errorf("write baselines: %w", err)
	}
	fmt.Printf("Wrote %d rows to %s.\n", len(rows), target)
	return nil
}

// #endregion run

// #region input
func readSamples(path string) ([]baseline.Sample, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open samples: %w", err)
		}
		defer f.Close()
		r = f
	}

	var out []baseline.Sample
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var s baseline.Sample
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			return nil, fmt.Errorf("samples line %d: %w", line, err)
		}
		out = append(out, s)
	}
	return out, scanner.Err()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion input
