package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/recommend"
)

// #region source
// CandidateSource loads the candidate pool for a category. Implementations own
// their I/O; the orchestrator bounds each call with its storage timeout.
type CandidateSource interface {
	Candidates(ctx context.Context, userRef, category string) ([]recommend.Candidate, error)
}

// MemoryCandidates is a CandidateSource over fixed per-category pools.
type MemoryCandidates struct {
	mu    sync.RWMutex
	pools map[string][]recommend.Candidate
}

// NewMemoryCandidates returns a source over pools keyed by category code.
func NewMemoryCandidates(pools map[string][]recommend.Candidate) *MemoryCandidates {
	m := &MemoryCandidates{pools: make(map[string][]recommend.Candidate, len(pools))}
	for cat, pool := range pools {
		m.Set(cat, pool)
	}
	return m
}

// LoadCandidates reads a JSON object of category code to candidate list.
func LoadCandidates(path string) (*MemoryCandidates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	var pools map[string][]recommend.Candidate
	if err := json.Unmarshal(data, &pools); err != nil {
		return nil, fmt.Errorf("parse candidates %s: %w", path, err)
	}
	return NewMemoryCandidates(pools), nil
}

// Candidates returns a copy of the category's pool. Unknown categories are empty.
func (m *MemoryCandidates) Candidates(_ context.Context, _ string, category string) ([]recommend.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool := m.pools[category]
	out := make([]recommend.Candidate, len(pool))
	copy(out, pool)
	return out, nil
}

// Set replaces one category's pool.
func (m *MemoryCandidates) Set(category string, pool []recommend.Candidate) {
	cp := make([]recommend.Candidate, len(pool))
	copy(cp, pool)
	m.mu.Lock()
	m.pools[category] = cp
	m.mu.Unlock()
}

// #endregion source
