package baseline

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/metrics"
)

// #region provider
// Provider resolves (mean, stddev) baselines with a recency-first fallback search
// and caches both hits and absences for a short TTL. A TTL of zero disables that cache.
type Provider struct {
	source Source
	config ProviderConfig
	hits   *expirable.LRU[string, Stats]
	misses *expirable.LRU[string, struct{}]
	flight singleflight.Group
	now    func() time.Time
	logger *zap.Logger
}

// lookup is the value shared between coalesced callers.
type lookup struct {
	stats Stats
	found bool
}

// NewProvider creates a Provider over source. logger may be nil.
func NewProvider(source Source, config ProviderConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := config.CacheSize
	if size <= 0 {
		size = DefaultProviderConfig().CacheSize
	}
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = DefaultProviderConfig().LookupTimeout
	}
	p := &Provider{
		source: source,
		config: config,
		now:    time.Now,
		logger: logger.Named("baseline"),
	}
	// expirable.NewLRU never expires entries when the TTL is not positive.
	if config.CacheTTL > 0 {
		p.hits = expirable.NewLRU[string, Stats](size, nil, config.CacheTTL)
	}
	if config.NegativeCacheTTL > 0 {
		p.misses = expirable.NewLRU[string, struct{}](size, nil, config.NegativeCacheTTL)
	}
	return p
}

// WithClock replaces the clock that anchors the lookback window. Replay uses it to
// resolve against historical fixtures.
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

// #endregion provider

// #region get-bucket-stats
// GetBucketStats returns the baseline for user/metric/bucket. The requested date is
// ignored: resolution always starts from the most recent stored date. Absence is a
// normal outcome, including when the source fails.
func (p *Provider) GetBucketStats(ctx context.Context, userRef string, _ time.Time, metric string, bucket int) (Stats, bool) {
	if bucket < 0 || bucket >= BucketCount {
		return Stats{}, false
	}
	key := cacheKey(userRef, metric, bucket)

	if p.hits != nil {
		if s, ok := p.hits.Get(key); ok {
			metrics.BaselineLookups.WithLabelValues(s.Reason, "hit").Inc()
			return s, true
		}
	}
	if p.misses != nil {
		if _, ok := p.misses.Get(key); ok {
			metrics.BaselineLookups.WithLabelValues("absent", "hit").Inc()
			return Stats{}, false
		}
	}

	// The shared lookup outlives any single caller so one cancellation does not
	// fail every coalesced waiter.
	v, err, _ := p.flight.Do(key, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.LookupTimeout)
		defer cancel()
		s, found, err := p.resolve(lctx, userRef, metric, bucket)
		if err != nil {
			return lookup{}, err
		}
		p.remember(key, s, found)
		return lookup{stats: s, found: found}, nil
	})
	if err != nil {
		metrics.BaselineLookups.WithLabelValues("error", "miss").Inc()
		p.logger.Warn("baseline lookup failed",
			zap.String("user_ref", userRef),
			zap.String("metric", metric),
			zap.Int("bucket", bucket),
			zap.Error(err),
		)
		return Stats{}, false
	}

	res := v.(lookup)
	outcome := "absent"
	if res.found {
		outcome = res.stats.Reason
	}
	metrics.BaselineLookups.WithLabelValues(outcome, "miss").Inc()
	return res.stats, res.found
}

// remember caches the outcome of a resolved lookup on whichever side is enabled.
func (p *Provider) remember(key string, s Stats, found bool) {
	if !found {
		if p.misses != nil {
			p.misses.Add(key, struct{}{})
		}
		return
	}
	if p.misses != nil {
		p.misses.Remove(key)
	}
	if p.hits != nil {
		p.hits.Add(key, s)
	}
}

// #endregion get-bucket-stats

// #region resolve
// resolve walks candidate dates most-recent first. On each date it tries the exact
// bucket, then neighbours by increasing distance (lower side first).
func (p *Provider) resolve(ctx context.Context, userRef, metric string, bucket int) (Stats, bool, error) {
	until := dateOnly(p.now())
	since := until.AddDate(0, 0, -p.config.LookbackDays)

	dates, err := p.source.RecentDates(ctx, userRef, metric, since, until)
	if err != nil {
		return Stats{}, false, err
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].After(dates[j]) })

	for _, date := range dates {
		day, err := p.source.DayStats(ctx, userRef, metric, date)
		if err != nil {
			return Stats{}, false, err
		}
		if day.Empty() {
			continue
		}
		if s, ok := p.pick(day, bucket); ok {
			s.Reason = ReasonExact
			return s, true, nil
		}
		for d := 1; d <= p.config.MaxNeighborDistance; d++ {
			for _, nb := range [2]int{bucket - d, bucket + d} {
				if nb < 0 || nb >= BucketCount {
					continue
				}
				if s, ok := p.pick(day, nb); ok {
					s.Reason = ReasonNeighbor
					return s, true, nil
				}
			}
		}
	}
	return Stats{}, false, nil
}

// pick returns the pair stored for bucket on day when both values are usable.
func (p *Provider) pick(day Day, bucket int) (Stats, bool) {
	mean, ok := day.Means[bucket]
	if !ok && p.config.AcceptAvgAlias {
		mean, ok = day.Avgs[bucket]
	}
	if !ok || math.IsNaN(mean) {
		return Stats{}, false
	}
	sd, ok := day.StdDevs[bucket]
	if !ok || math.IsNaN(sd) || sd <= 0 {
		return Stats{}, false
	}
	return Stats{
		Mean:         mean,
		StdDev:       sd,
		SourceDate:   dateOnly(day.Date),
		SourceBucket: bucket,
	}, true
}

// #endregion resolve

// #region invalidate
// Invalidate drops every cached entry for user/metric, e.g. after new baselines are written.
func (p *Provider) Invalidate(userRef, metric string) {
	for b := 0; b < BucketCount; b++ {
		key := cacheKey(userRef, metric, b)
		if p.hits != nil {
			p.hits.Remove(key)
		}
		if p.misses != nil {
			p.misses.Remove(key)
		}
	}
}

// Purge empties both caches.
func (p *Provider) Purge() {
	if p.hits != nil {
		p.hits.Purge()
	}
	if p.misses != nil {
		p.misses.Purge()
	}
}

// #endregion invalidate

func cacheKey(userRef, metric string, bucket int) string {
	return userRef + "\x00" + metric + "\x00" + strconv.Itoa(bucket)
}
