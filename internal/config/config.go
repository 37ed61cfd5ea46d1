package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/anomaly"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/baseline"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/logging"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/policy"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/recommend"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/reward"
)

// #region config
// Config is the controller configuration.
type Config struct {
	Storage      StorageConfig       `mapstructure:"storage"`
	Log          logging.Config      `mapstructure:"log"`
	Server       ServerConfig        `mapstructure:"server"`
	Anomaly      AnomalyConfig       `mapstructure:"anomaly"`
	Baseline     BaselineConfig      `mapstructure:"baseline"`
	Recommend    RecommendConfig     `mapstructure:"recommend"`
	Reward       reward.Weights      `mapstructure:"reward"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Candidates   CandidatesConfig    `mapstructure:"candidates"`
	Policy       policy.Table        `mapstructure:"policy" validate:"dive,dive"` // empty uses the built-in table
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ServerConfig holds listener addresses for cmd/controller.
type ServerConfig struct {
	GRPCAddr        string        `mapstructure:"grpc_addr" validate:"required"`
	MetricsAddr     string        `mapstructure:"metrics_addr"` // empty disables /metrics
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	PruneInterval   time.Duration `mapstructure:"prune_interval" validate:"gte=0"`
	IdleAfter       time.Duration `mapstructure:"idle_after" validate:"gte=0"`
}

// AnomalyConfig mirrors anomaly.Config in config-file form.
type AnomalyConfig struct {
	ZRestrict           float64       `mapstructure:"z_restrict" validate:"gt=0"`
	ZEmergency          float64       `mapstructure:"z_emergency" validate:"gtfield=ZRestrict"`
	HRInstRestrictHigh  float64       `mapstructure:"hr_inst_restrict_high" validate:"gt=0"`
	HRInstRestrictLow   float64       `mapstructure:"hr_inst_restrict_low" validate:"gt=0,ltfield=HRInstRestrictHigh"`
	ConsecutiveRequired int           `mapstructure:"consecutive_required" validate:"gte=1"`
	MaxGap              time.Duration `mapstructure:"max_gap" validate:"gt=0"`
	RestrictCooldown    time.Duration `mapstructure:"restrict_cooldown" validate:"gte=0"`
	EmergencyCooldown   time.Duration `mapstructure:"emergency_cooldown" validate:"gte=0"`
	SupportedMetrics    []string      `mapstructure:"supported_metrics" validate:"min=1,dive,oneof=hr stress"`
	Timezone            string        `mapstructure:"timezone"`
}

// BaselineConfig selects and tunes the baseline source. A cache TTL of 0 disables that cache.
type BaselineConfig struct {
	Source              string                `mapstructure:"source" validate:"oneof=sqlite influx"`
	LookbackDays        int                   `mapstructure:"lookback_days" validate:"gte=1"`
	MaxNeighborDistance int                   `mapstructure:"max_neighbor_distance" validate:"gte=0,lte=5"`
	AcceptAvgAlias      bool                  `mapstructure:"accept_avg_alias"`
	CacheTTL            time.Duration         `mapstructure:"cache_ttl" validate:"gte=0"`
	NegativeCacheTTL    time.Duration         `mapstructure:"negative_cache_ttl" validate:"gte=0"`
	CacheSize           int                   `mapstructure:"cache_size" validate:"gte=1"`
	LookupTimeout       time.Duration         `mapstructure:"lookup_timeout" validate:"gt=0"`
	MinSamples          int                   `mapstructure:"min_samples" validate:"gte=1"`
	Influx              baseline.InfluxConfig `mapstructure:"influx"`
}

// RecommendConfig exposes the tunable scoring constants. Clamp bounds stay fixed.
type RecommendConfig struct {
	Lambda       float64       `mapstructure:"lambda" validate:"gte=0"`
	Alpha0       float64       `mapstructure:"alpha0" validate:"gt=0"`
	Beta0        float64       `mapstructure:"beta0" validate:"gt=0"`
	RecencyTau   time.Duration `mapstructure:"recency_tau" validate:"gt=0"`
	DebugTopN    int           `mapstructure:"debug_top_n" validate:"gte=1,lte=50"`
	FriendlyTags []string      `mapstructure:"friendly_tags"`
	RiskyTags    []string      `mapstructure:"risky_tags"`
}

// CandidatesConfig locates the candidate pool file.
type CandidatesConfig struct {
	Path string `mapstructure:"path"`
}

// #endregion config

// #region defaults
// DefaultConfig returns the configuration used when no file or env override is present.
func DefaultConfig() Config {
	det := anomaly.DefaultConfig()
	prov := baseline.DefaultProviderConfig()
	rec := recommend.DefaultConfig()
	return Config{
		Storage: StorageConfig{Path: "adaptive_care.db"},
		Log:     logging.DefaultConfig(),
		Server: ServerConfig{
			GRPCAddr:        ":50551",
			MetricsAddr:     ":9464",
			ShutdownTimeout: 10 * time.Second,
			PruneInterval:   5 * time.Minute,
			IdleAfter:       2 * time.Hour,
		},
		Anomaly: AnomalyConfig{
			ZRestrict:           det.ZRestrict,
			ZEmergency:          det.ZEmergency,
			HRInstRestrictHigh:  det.HRInstRestrictHigh,
			HRInstRestrictLow:   det.HRInstRestrictLow,
			ConsecutiveRequired: det.ConsecutiveRequired,
			MaxGap:              det.MaxGap,
			RestrictCooldown:    det.RestrictCooldown,
			EmergencyCooldown:   det.EmergencyCooldown,
			SupportedMetrics:    det.SupportedMetrics,
			Timezone:            "UTC",
		},
		Baseline: BaselineConfig{
			Source:              "sqlite",
			LookbackDays:        prov.LookbackDays,
			MaxNeighborDistance: prov.MaxNeighborDistance,
			AcceptAvgAlias:      prov.AcceptAvgAlias,
			CacheTTL:            prov.CacheTTL,
			NegativeCacheTTL:    prov.NegativeCacheTTL,
			CacheSize:           prov.CacheSize,
			LookupTimeout:       prov.LookupTimeout,
			MinSamples:          baseline.DefaultBuilderConfig().MinSamples,
			Influx:              baseline.DefaultInfluxConfig(),
		},
		Recommend: RecommendConfig{
			Lambda:       rec.Lambda,
			Alpha0:       rec.Alpha0,
			Beta0:        rec.Beta0,
			RecencyTau:   rec.RecencyTau,
			DebugTopN:    rec.DebugTopN,
			FriendlyTags: rec.FriendlyTags,
			RiskyTags:    rec.RiskyTags,
		},
		Reward:       reward.DefaultWeights(),
		Orchestrator: orchestrator.DefaultConfig(),
	}
}

// #endregion defaults

// #region validate
var configValidator = validator.New()

// Validate checks field ranges and cross-field rules.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Baseline.Source == "influx" {
		in := c.Baseline.Influx
		if in.URL == "" || in.Org == "" || in.Bucket == "" {
			return fmt.Errorf("invalid config: baseline.influx url, org and bucket are required for the influx source")
		}
	}
	if _, err := time.LoadLocation(c.Anomaly.Timezone); err != nil {
		return fmt.Errorf("invalid config: anomaly.timezone: %w", err)
	}
	return nil
}

// #endregion validate

// #region conversions
// Detector returns the anomaly.Config described by c.
func (c AnomalyConfig) Detector() (anomaly.Config, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return anomaly.Config{}, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	out := anomaly.DefaultConfig()
	out.ZRestrict = c.ZRestrict
	out.ZEmergency = c.ZEmergency
	out.HRInstRestrictHigh = c.HRInstRestrictHigh
	out.HRInstRestrictLow = c.HRInstRestrictLow
	out.ConsecutiveRequired = c.ConsecutiveRequired
	out.MaxGap = c.MaxGap
	out.RestrictCooldown = c.RestrictCooldown
	out.EmergencyCooldown = c.EmergencyCooldown
	out.SupportedMetrics = append([]string(nil), c.SupportedMetrics...)
	out.Location = loc
	return out, nil
}

// Provider returns the baseline.ProviderConfig described by c.
func (c BaselineConfig) Provider() baseline.ProviderConfig {
	return baseline.ProviderConfig{
		LookbackDays:        c.LookbackDays,
		MaxNeighborDistance: c.MaxNeighborDistance,
		AcceptAvgAlias:      c.AcceptAvgAlias,
		CacheTTL:            c.CacheTTL,
		NegativeCacheTTL:    c.NegativeCacheTTL,
		CacheSize:           c.CacheSize,
		LookupTimeout:       c.LookupTimeout,
	}
}

// Scoring returns recommend.Config with the configured overrides applied.
func (c RecommendConfig) Scoring() recommend.Config {
	out := recommend.DefaultConfig()
	out.Lambda = c.Lambda
	out.Alpha0 = c.Alpha0
	out.Beta0 = c.Beta0
	out.RecencyTau = c.RecencyTau
	out.DebugTopN = c.DebugTopN
	if len(c.FriendlyTags) > 0 {
		out.FriendlyTags = c.FriendlyTags
	}
	if len(c.RiskyTags) > 0 {
		out.RiskyTags = c.RiskyTags
	}
	return out
}

// PolicyTable returns the configured table, or the built-in one when none is set.
func (c Config) PolicyTable() policy.Table {
	if len(c.Policy) == 0 {
		return policy.DefaultTable()
	}
	return c.Policy
}

// #endregion conversions
