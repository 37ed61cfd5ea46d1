package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codes(cats []Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = c.Code
	}
	return out
}

func week(w int) *int { return &w }

func TestCategoriesForTriggerOrdered(t *testing.T) {
	r := NewStaticResolver(nil)
	assert.Equal(t, []string{"breathing", "meditation", "music_relax"}, codes(r.CategoriesForTrigger("hr_high", nil)))
}

func TestCategoriesForTriggerTrimesterFiltering(t *testing.T) {
	r := NewStaticResolver(nil)

	assert.Equal(t, []string{"breathing", "music_relax", "calm_place"}, codes(r.CategoriesForTrigger("stress_up", nil)))
	assert.Equal(t, []string{"breathing", "music_relax", "calm_place"}, codes(r.CategoriesForTrigger("stress_up", week(60))),
		"an out-of-range week drops trimester-restricted rules like a missing one")
	assert.Equal(t, []string{"breathing", "music_relax", "prenatal_yoga", "calm_place"}, codes(r.CategoriesForTrigger("stress_up", week(20))))

	assert.Equal(t, []string{"hydration_tip", "gentle_movement"}, codes(r.CategoriesForTrigger("hr_low", week(10))))
	assert.Equal(t, []string{"hydration_tip", "rest_position"}, codes(r.CategoriesForTrigger("hr_low", week(30))))
}

func TestCategoriesRequiresLocation(t *testing.T) {
	r := NewStaticResolver(nil)
	cats := r.CategoriesForTrigger("steps_low", nil)
	require.Len(t, cats, 2)
	assert.True(t, cats[0].RequiresLocation)
	assert.False(t, cats[1].RequiresLocation)
}

func TestUnknownTrigger(t *testing.T) {
	r := NewStaticResolver(nil)
	assert.Empty(t, r.CategoriesForTrigger("nope", nil))
	assert.False(t, r.Permitted("nope", "breathing"))
}

func TestPermittedIgnoresTrimester(t *testing.T) {
	r := NewStaticResolver(nil)
	assert.True(t, r.Permitted("stress_up", "prenatal_yoga"))
	assert.False(t, r.Permitted("hr_high", "walk_outdoor"))
}

func TestReplace(t *testing.T) {
	r := NewStaticResolver(nil)
	require.ErrorIs(t, r.Replace(Table{}), ErrEmptyTable)
	require.Error(t, r.Replace(Table{"hr_high": {{Priority: 1}}}))

	require.NoError(t, r.Replace(Table{"hr_high": {{Code: "walk_outdoor", Priority: 1}}}))
	assert.Equal(t, []string{"walk_outdoor"}, codes(r.CategoriesForTrigger("hr_high", nil)))
	assert.Empty(t, r.CategoriesForTrigger("stress_up", nil))
}

func TestTrimester(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 13: 1, 14: 2, 27: 2, 28: 3, 40: 3, 45: 0, -2: 0}
	for w, want := range cases {
		assert.Equal(t, want, Trimester(w), "week %d", w)
	}
}
