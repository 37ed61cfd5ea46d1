package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override, e.g. ADAPTIVE_CARE_STORAGE_PATH.
const EnvPrefix = "ADAPTIVE_CARE"

// #region manager
// Manager loads configuration from an optional YAML file, environment variables and
// defaults, and reloads it when the file changes.
type Manager struct {
	path   string
	v      *viper.Viper
	logger *zap.Logger

	mu      sync.RWMutex
	current Config
}

// Load reads configuration. An empty or missing path uses defaults plus environment.
func Load(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{path: path, v: viper.New(), logger: logger}

	m.v.SetConfigType("yaml")
	m.v.SetEnvPrefix(EnvPrefix)
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()
	setDefaults(m.v, DefaultConfig())

	if path != "" {
		m.v.SetConfigFile(path)
		if err := m.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			logger.Info("config file not found, using defaults", zap.String("path", path))
		}
	}

	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.current = cfg
	return m, nil
}

// WithLogger replaces the logger used for reload messages. Callers set it once the
// logger described by the loaded configuration exists.
func (m *Manager) WithLogger(logger *zap.Logger) *Manager {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// Config returns the current configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// #endregion manager

// #region reload
// Reload re-reads the file. An invalid file leaves the current configuration in place.
func (m *Manager) Reload() (Config, error) {
	if m.path != "" {
		if err := m.v.ReadInConfig(); err != nil {
			return m.Config(), fmt.Errorf("error reading config file: %w", err)
		}
	}
	cfg, err := m.decode()
	if err != nil {
		return m.Config(), err
	}
	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()
	return cfg, nil
}

// Watch calls onChange with each valid configuration written to the file.
// It is a no-op without a config file.
func (m *Manager) Watch(onChange func(Config)) {
	if m.path == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.handleChange(e, onChange)
	})
	m.v.WatchConfig()
}

func (m *Manager) handleChange(e fsnotify.Event, onChange func(Config)) {
	cfg, err := m.decode()
	if err != nil {
		m.logger.Warn("ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
		return
	}
	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()
	m.logger.Info("config reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
	if onChange != nil {
		onChange(cfg)
	}
}

// #endregion reload

// #region decode
func (m *Manager) decode() (Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every scalar key so environment overrides are seen by Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.metrics_addr", d.Server.MetricsAddr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.prune_interval", d.Server.PruneInterval)
	v.SetDefault("server.idle_after", d.Server.IdleAfter)

	v.SetDefault("anomaly.z_restrict", d.Anomaly.ZRestrict)
	v.SetDefault("anomaly.z_emergency", d.Anomaly.ZEmergency)
	v.SetDefault("anomaly.hr_inst_restrict_high", d.Anomaly.HRInstRestrictHigh)
	v.SetDefault("anomaly.hr_inst_restrict_low", d.Anomaly.HRInstRestrictLow)
	v.SetDefault("anomaly.consecutive_required", d.Anomaly.ConsecutiveRequired)
	v.SetDefault("anomaly.max_gap", d.Anomaly.MaxGap)
	v.SetDefault("anomaly.restrict_cooldown", d.Anomaly.RestrictCooldown)
	v.SetDefault("anomaly.emergency_cooldown", d.Anomaly.EmergencyCooldown)
	v.SetDefault("anomaly.supported_metrics", d.Anomaly.SupportedMetrics)
	v.SetDefault("anomaly.timezone", d.Anomaly.Timezone)

	v.SetDefault("baseline.source", d.Baseline.Source)
	v.SetDefault("baseline.lookback_days", d.Baseline.LookbackDays)
	v.SetDefault("baseline.max_neighbor_distance", d.Baseline.MaxNeighborDistance)
	v.SetDefault("baseline.accept_avg_alias", d.Baseline.AcceptAvgAlias)
	v.SetDefault("baseline.cache_ttl", d.Baseline.CacheTTL)
	v.SetDefault("baseline.negative_cache_ttl", d.Baseline.NegativeCacheTTL)
	v.SetDefault("baseline.cache_size", d.Baseline.CacheSize)
	v.SetDefault("baseline.lookup_timeout", d.Baseline.LookupTimeout)
	v.SetDefault("baseline.min_samples", d.Baseline.MinSamples)
	v.SetDefault("baseline.influx.url", d.Baseline.Influx.URL)
	v.SetDefault("baseline.influx.token", d.Baseline.Influx.Token)
	v.SetDefault("baseline.influx.org", d.Baseline.Influx.Org)
	v.SetDefault("baseline.influx.bucket", d.Baseline.Influx.Bucket)
	v.SetDefault("baseline.influx.measurement", d.Baseline.Influx.Measurement)

	v.SetDefault("recommend.lambda", d.Recommend.Lambda)
	v.SetDefault("recommend.alpha0", d.Recommend.Alpha0)
	v.SetDefault("recommend.beta0", d.Recommend.Beta0)
	v.SetDefault("recommend.recency_tau", d.Recommend.RecencyTau)
	v.SetDefault("recommend.debug_top_n", d.Recommend.DebugTopN)
	v.SetDefault("recommend.friendly_tags", d.Recommend.FriendlyTags)
	v.SetDefault("recommend.risky_tags", d.Recommend.RiskyTags)

	v.SetDefault("reward.accept", d.Reward.Accept)
	v.SetDefault("reward.complete", d.Reward.Complete)
	v.SetDefault("reward.effect", d.Reward.Effect)

	v.SetDefault("orchestrator.enabled", d.Orchestrator.Enabled)
	v.SetDefault("orchestrator.storage_timeout", d.Orchestrator.StorageTimeout)
	v.SetDefault("orchestrator.seed", d.Orchestrator.Seed)

	v.SetDefault("candidates.path", d.Candidates.Path)
}

// #endregion decode
