package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/anomaly"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/baseline"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/config"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/logging"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/policy"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/recommend"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/reward"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/storage"
)

// #region service
// service holds every long-lived component the controller wires together.
type service struct {
	db        *storage.DB
	influx    *baseline.InfluxSource
	provider  *baseline.Provider
	detector  *anomaly.Detector
	resolver  *policy.StaticResolver
	orch      *orchestrator.Orchestrator
	decisions *logging.DecisionLog
}

// newService opens storage, runs migrations and builds the detection and selection path.
func newService(ctx context.Context, cfg config.Config, logger *zap.Logger) (*service, error) {
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	s := &service{db: db}

	sqliteSrc := baseline.NewSQLiteSource(db.SQL())
	rewards := reward.NewStore(db.SQL(), cfg.Reward)
	store := orchestrator.NewStore(db.SQL())
	s.decisions = logging.NewDecisionLog(db.SQL())
	if err := db.MigrateAll(ctx, sqliteSrc, rewards, store, s.decisions); err != nil {
		s.Close()
		return nil, err
	}

	var src baseline.Source = sqliteSrc
	if cfg.Baseline.Source == "influx" {
		s.influx, err = baseline.NewInfluxSource(cfg.Baseline.Influx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("influx source: %w", err)
		}
		src = s.influx
	}
	s.provider = baseline.NewProvider(src, cfg.Baseline.Provider(), logger)

	detCfg, err := cfg.Anomaly.Detector()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.detector = anomaly.NewDetector(s.provider, detCfg, logger.Named("anomaly"))
	s.resolver = policy.NewStaticResolver(cfg.PolicyTable())

	var candidates orchestrator.CandidateSource = orchestrator.NewMemoryCandidates(nil)
	if cfg.Candidates.Path != "" {
		candidates, err = orchestrator.LoadCandidates(cfg.Candidates.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
	} else {
		logger.Warn("no candidate pool configured, every selection will report no candidates")
	}

	s.orch, err = orchestrator.New(orchestrator.Deps{
		Detector:    s.detector,
		Policy:      s.resolver,
		Recommender: recommend.NewRecommender(cfg.Recommend.Scoring(), logger.Named("recommend")),
		Rewards:     rewards,
		Store:       store,
		Candidates:  candidates,
		Decisions:   s.decisions,
	}, cfg.Orchestrator, logger.Named("orchestrator"))
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the detector state, the Influx client and the database.
func (s *service) Close() error {
	if s.detector != nil {
		s.detector.Close()
	}
	if s.influx != nil {
		s.influx.Close()
	}
	return s.db.Close()
}

// #endregion service
