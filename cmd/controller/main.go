package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/codec"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/config"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/logging"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/recommend"
)

// #region command
var (
	configPath string
	stdinTicks bool
)

var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the adaptive care controller",
	Long: `Runs the telemetry anomaly detector and intervention recommender behind a gRPC API.
Configuration is read from a YAML file plus ADAPTIVE_CARE_* environment variables;
policy table edits in the file are applied without a restart.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", envOr("ADAPTIVE_CARE_CONFIG", "config.yaml"), "path to the YAML config file")
	rootCmd.Flags().BoolVar(&stdinTicks, "stdin", false, "also read JSON ticks from stdin, one per line, and print each outcome")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion command

// #region run
func run(cmd *cobra.Command, _ []string) error {
	mgr, err := config.Load(configPath, nil)
	if err != nil {
		return err
	}
	cfg := mgr.Config()

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	defer svc.Close()

	mgr.WithLogger(logger.Named("config")).Watch(func(next config.Config) {
		if err := svc.resolver.Replace(next.PolicyTable()); err != nil {
			logger.Warn("policy table not replaced", zap.Error(err))
			return
		}
		logger.Info("policy table replaced; other settings apply on restart")
	})

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}
	grpcSrv, health := codec.NewServer(svc.orch, logger.Named("grpc"))
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
			stop()
		}
	}()

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	go pruneLoop(ctx, svc, cfg.Server, logger)
	if stdinTicks {
		go func() {
			feedTicks(ctx, svc.orch, os.Stdin, os.Stdout, logger)
			stop()
		}()
	}

	logger.Info("controller ready",
		zap.String("grpc_addr", lis.Addr().String()),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.String("db", cfg.Storage.Path),
		zap.String("baseline_source", cfg.Baseline.Source),
		zap.Bool("selection_enabled", svc.orch.Enabled()),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, gracefully shutting down")

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("graceful stop timed out, forcing")
		grpcSrv.Stop()
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
	return nil
}

// #endregion run

// #region loops
// pruneLoop drops idle per-user detector state on a fixed interval.
func pruneLoop(ctx context.Context, svc *service, cfg config.ServerConfig, logger *zap.Logger) {
	if cfg.PruneInterval <= 0 || cfg.IdleAfter <= 0 {
		return
	}
	t := time.NewTicker(cfg.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := svc.detector.Prune(now.Add(-cfg.IdleAfter)); n > 0 {
				logger.Debug("pruned idle users", zap.Int("removed", n))
			}
		}
	}
}

// feedTicks evaluates newline-delimited JSON ticks and writes one JSON outcome per line.
func feedTicks(ctx context.Context, orch *orchestrator.Orchestrator, in io.Reader, out io.Writer, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	enc := json.NewEncoder(out)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tick orchestrator.Tick
		if err := json.Unmarshal(line, &tick); err != nil {
			logger.Warn("skipping malformed tick", zap.Error(err))
			continue
		}
		outcome, err := orch.HandleTick(ctx, tick)
		if err != nil && !errors.Is(err, recommend.ErrNoCandidates) {
			logger.Warn("tick failed", zap.String("user_ref", tick.UserRef), zap.Error(err))
			continue
		}
		if err := enc.Encode(outcome); err != nil {
			logger.Warn("write outcome", zap.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("read ticks", zap.Error(err))
	}
}

// #endregion loops

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
