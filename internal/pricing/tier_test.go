package pricing

import (
	"testing"

	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tiers() []catalogdomain.Tier {
	return []catalogdomain.Tier{
		{ID: 3, Code: "enterprise", Included: 500},
		{ID: 1, Code: "starter", Included: 10},
		{ID: 2, Code: "professional", Included: 100},
	}
}

func TestDetectTierBoundaries(t *testing.T) {
	cases := []struct {
		count int64
		want  string
	}{
		{0, "starter"},
		{9, "starter"},
		{10, "starter"},
		{99, "starter"},
		{100, "professional"},
		{499, "professional"},
		{500, "enterprise"},
		{501, "enterprise"},
		{100000, "enterprise"},
	}
	for _, tc := range cases {
		tier, ok := DetectTier(tc.count, 10, tiers())
		require.True(t, ok)
		assert.Equal(t, tc.want, tier.Code, "count %d", tc.count)
	}
}

func TestDetectTierGapFallsBackToTop(t *testing.T) {
	gapped := []catalogdomain.Tier{
		{ID: 1, Code: "mid", Included: 50},
		{ID: 2, Code: "top", Included: 200},
	}
	tier, ok := DetectTier(10, 10, gapped)
	require.True(t, ok)
	assert.Equal(t, "top", tier.Code)
}

func TestDetectTierEmpty(t *testing.T) {
	_, ok := DetectTier(10, 10, nil)
	assert.False(t, ok)
}
