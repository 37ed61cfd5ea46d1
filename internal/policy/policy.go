package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// #region types
// Category is one intervention class a trigger maps to.
type Category struct {
	Code             string `json:"code"`
	Priority         int    `json:"priority"` // lower runs first
	RequiresLocation bool   `json:"requires_location"`
}

// Rule is a table entry. Trimesters restricts the rule to pregnant users in those
// trimesters; empty means it always applies.
type Rule struct {
	Code             string `mapstructure:"code" json:"code" validate:"required"`
	Priority         int    `mapstructure:"priority" json:"priority"`
	RequiresLocation bool   `mapstructure:"requires_location" json:"requires_location"`
	Trimesters       []int  `mapstructure:"trimesters" json:"trimesters,omitempty" validate:"dive,min=1,max=3"`
}

// Table maps trigger codes to rules.
type Table map[string][]Rule

// Resolver turns a trigger into an ordered list of categories.
type Resolver interface {
	CategoriesForTrigger(trigger string, gestationalWeek *int) []Category
	Permitted(trigger, code string) bool
}

// ErrEmptyTable is returned when a replacement table has no triggers.
var ErrEmptyTable = errors.New("policy table is empty")

// #endregion types

// #region defaults
// DefaultTable is the built-in trigger to category mapping.
func DefaultTable() Table {
	return Table{
		"hr_high": {
			{Code: "breathing", Priority: 1},
			{Code: "meditation", Priority: 2},
			{Code: "music_relax", Priority: 3},
		},
		"hr_low": {
			{Code: "hydration_tip", Priority: 1},
			{Code: "gentle_movement", Priority: 2, Trimesters: []int{1, 2}},
			{Code: "rest_position", Priority: 2, Trimesters: []int{3}},
		},
		"stress_up": {
			{Code: "breathing", Priority: 1},
			{Code: "music_relax", Priority: 2},
			{Code: "prenatal_yoga", Priority: 3, Trimesters: []int{1, 2, 3}},
			{Code: "calm_place", Priority: 4, RequiresLocation: true},
		},
		"steps_low": {
			{Code: "walk_outdoor", Priority: 1, RequiresLocation: true},
			{Code: "gentle_movement", Priority: 2},
		},
	}
}

// #endregion defaults

// #region resolver
// StaticResolver serves a table held in memory. Replace swaps it atomically.
type StaticResolver struct {
	mu    sync.RWMutex
	table Table
}

// NewStaticResolver returns a resolver over table, or DefaultTable when table is nil.
func NewStaticResolver(table Table) *StaticResolver {
	if table == nil {
		table = DefaultTable()
	}
	return &StaticResolver{table: table}
}

// CategoriesForTrigger returns the categories for trigger that apply at gestationalWeek,
// ordered by priority then code.
func (r *StaticResolver) CategoriesForTrigger(trigger string, gestationalWeek *int) []Category {
	trimester := 0
	if gestationalWeek != nil {
		trimester = Trimester(*gestationalWeek)
	}

	r.mu.RLock()
	rules := r.table[trigger]
	r.mu.RUnlock()

	var out []Category
	seen := map[string]bool{}
	for _, rule := range rules {
		if !appliesTo(rule, trimester) || seen[rule.Code] {
			continue
		}
		seen[rule.Code] = true
		out = append(out, Category{Code: rule.Code, Priority: rule.Priority, RequiresLocation: rule.RequiresLocation})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// Permitted reports whether code is mapped from trigger at all.
func (r *StaticResolver) Permitted(trigger, code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.table[trigger] {
		if rule.Code == code {
			return true
		}
	}
	return false
}

// Replace installs a new table.
func (r *StaticResolver) Replace(table Table) error {
	if len(table) == 0 {
		return ErrEmptyTable
	}
	for trigger, rules := range table {
		for _, rule := range rules {
			if rule.Code == "" {
				return fmt.Errorf("trigger %q: rule without code", trigger)
			}
		}
	}
	r.mu.Lock()
	r.table = table
	r.mu.Unlock()
	return nil
}

func appliesTo(rule Rule, trimester int) bool {
	if len(rule.Trimesters) == 0 {
		return true
	}
	for _, t := range rule.Trimesters {
		if t == trimester {
			return true
		}
	}
	return false
}

// #endregion resolver

// #region trimester
// Trimester maps a gestational week to 1, 2 or 3, and 0 when the week is out of range.
func Trimester(week int) int {
	switch {
	case week >= 1 && week <= 13:
		return 1
	case week >= 14 && week <= 27:
		return 2
	case week >= 28 && week <= 44:
		return 3
	}
	return 0
}

// #endregion trimester
