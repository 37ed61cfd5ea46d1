package baseline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// #region memory-source
// MemorySource is an in-memory Source used by replay and tests.
type MemorySource struct {
	mu   sync.RWMutex
	days map[string]map[time.Time]Day // "user\x00metric" -> date -> values
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{days: map[string]map[time.Time]Day{}}
}

// Put stores one value. date is truncated to its UTC calendar day.
func (m *MemorySource) Put(userRef, metric string, date time.Time, stat string, bucket int, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := userRef + "\x00" + metric
	byDate, ok := m.days[k]
	if !ok {
		byDate = map[time.Time]Day{}
		m.days[k] = byDate
	}
	d := dateOnly(date)
	day, ok := byDate[d]
	if !ok {
		day = NewDay(d)
		byDate[d] = day
	}
	day.Set(stat, bucket, value)
}

// PutPair stores a mean/stddev pair for one bucket.
func (m *MemorySource) PutPair(userRef, metric string, date time.Time, bucket int, mean, stddev float64) {
	m.Put(userRef, metric, date, StatMean, bucket, mean)
	m.Put(userRef, metric, date, StatStdDev, bucket, stddev)
}

// RecentDates implements Source.
func (m *MemorySource) RecentDates(_ context.Context, userRef, metric string, since, until time.Time) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []time.Time
	for d, day := range m.days[userRef+"\x00"+metric] {
		if d.Before(dateOnly(since)) || d.After(dateOnly(until)) || day.Empty() {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	return out, nil
}

// DayStats implements Source. The returned Day is a copy.
func (m *MemorySource) DayStats(_ context.Context, userRef, metric string, date time.Time) (Day, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d := dateOnly(date)
	out := NewDay(d)
	day, ok := m.days[userRef+"\x00"+metric][d]
	if !ok {
		return out, nil
	}
	for b, v := range day.Means {
		out.Means[b] = v
	}
	for b, v := range day.Avgs {
		out.Avgs[b] = v
	}
	for b, v := range day.StdDevs {
		out.StdDevs[b] = v
	}
	return out, nil
}

// #endregion memory-source
