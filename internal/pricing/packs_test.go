package pricing

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gbpPacks() []PricedPack {
	return []PricedPack{
		{PackID: 20, Code: "pack-20", Quantity: 20, AmountMinor: 2400},
		{PackID: 50, Code: "pack-50", Quantity: 50, AmountMinor: 5000},
		{PackID: 100, Code: "pack-100", Quantity: 100, AmountMinor: 9000},
	}
}

func TestSmartPacksCheapestOvershoot(t *testing.T) {
	sel := CalculateSmartPacks(45, gbpPacks())

	assert.False(t, sel.Exact)
	assert.Equal(t, int64(50), sel.Quantity)
	assert.Equal(t, int64(5000), sel.AmountMinor)
	require.Len(t, sel.Lines, 1)
	assert.Equal(t, snowflake.ID(50), sel.Lines[0].PackID)
	assert.Equal(t, int64(1), sel.Lines[0].Count)
}

func TestSmartPacksCostBeatsSmallerOvershoot(t *testing.T) {
	packs := []PricedPack{
		{PackID: 1, Quantity: 30, AmountMinor: 4000},
		{PackID: 2, Quantity: 40, AmountMinor: 3000},
	}
	sel := CalculateSmartPacks(25, packs)

	assert.Equal(t, int64(40), sel.Quantity)
	assert.Equal(t, int64(3000), sel.AmountMinor)
}

func TestSmartPacksExactCover(t *testing.T) {
	sel := CalculateSmartPacks(70, gbpPacks())

	assert.True(t, sel.Exact)
	assert.Equal(t, int64(70), sel.Quantity)
	assert.Equal(t, int64(7400), sel.AmountMinor)
	require.Len(t, sel.Lines, 2)
	assert.Equal(t, int64(1), sel.Lines[0].Count)
	assert.Equal(t, int64(1), sel.Lines[1].Count)
}

func TestSmartPacksConsolidatesRepeatedPacks(t *testing.T) {
	sel := CalculateSmartPacks(300, gbpPacks())

	require.Len(t, sel.Lines, 1)
	assert.Equal(t, snowflake.ID(100), sel.Lines[0].PackID)
	assert.Equal(t, int64(3), sel.Lines[0].Count)
	assert.Equal(t, int64(27000), sel.AmountMinor)
}

func TestSmartPacksDuplicatePackIDsMerge(t *testing.T) {
	packs := []PricedPack{
		{PackID: 7, Quantity: 10, AmountMinor: 1000},
		{PackID: 7, Quantity: 10, AmountMinor: 1000},
	}
	sel := CalculateSmartPacks(20, packs)
	require.Len(t, sel.Lines, 1)
	assert.Equal(t, int64(20), sel.Lines[0].Quantity)
}

func TestSmartPacksDegenerateInput(t *testing.T) {
	assert.Empty(t, CalculateSmartPacks(0, gbpPacks()).Lines)
	assert.Empty(t, CalculateSmartPacks(10, []PricedPack{{PackID: 1, Quantity: 0, AmountMinor: 100}}).Lines)
}

// cheapestCover tabulates the whole range without prefilling.
func cheapestCover(extra int64, packs []PricedPack) (int64, int64, bool) {
	var maxQty int64
	for _, p := range packs {
		if p.Quantity > maxQty {
			maxQty = p.Quantity
		}
	}
	const inf = int64(1) << 62
	limit := extra + maxQty
	cost := make([]int64, limit+1)
	for i := int64(1); i <= limit; i++ {
		cost[i] = inf
		for _, p := range packs {
			if p.Quantity <= i && cost[i-p.Quantity] != inf && cost[i-p.Quantity]+p.AmountMinor < cost[i] {
				cost[i] = cost[i-p.Quantity] + p.AmountMinor
			}
		}
	}
	if cost[extra] != inf {
		return extra, cost[extra], true
	}
	target := int64(-1)
	for i := extra + 1; i <= limit; i++ {
		if cost[i] != inf && (target < 0 || cost[i] < cost[target]) {
			target = i
		}
	}
	return target, cost[target], false
}

func TestSmartPacksLargeRequestMatchesFullTable(t *testing.T) {
	packs := []PricedPack{
		{PackID: 1, Quantity: 7, AmountMinor: 900},
		{PackID: 2, Quantity: 30, AmountMinor: 3300},
		{PackID: 3, Quantity: 45, AmountMinor: 4600},
	}
	for _, extra := range []int64{1401, 12345, 25006, 40000} {
		quantity, amount, exact := cheapestCover(extra, packs)
		sel := CalculateSmartPacks(extra, packs)

		assert.Equal(t, exact, sel.Exact, "extra %d", extra)
		assert.Equal(t, amount, sel.AmountMinor, "extra %d", extra)
		assert.Equal(t, quantity, sel.Quantity, "extra %d", extra)
		assert.False(t, sel.Greedy)
	}
}

func TestSmartPacksHugeRequestStaysBounded(t *testing.T) {
	extra := int64(1) << 50
	var sel PackSelection
	require.NotPanics(t, func() { sel = CalculateSmartPacks(extra, gbpPacks()) })

	assert.GreaterOrEqual(t, sel.Quantity, extra)
	assert.LessOrEqual(t, sel.Quantity-extra, int64(100))
	assert.LessOrEqual(t, sel.AmountMinor, (extra/100+1)*9000)
	require.NotEmpty(t, sel.Lines)
}

func TestSmartPacksOversizedPackFallsBackToLargest(t *testing.T) {
	packs := []PricedPack{{PackID: 9, Quantity: 1 << 40, AmountMinor: 500}}
	sel := CalculateSmartPacks(3, packs)

	assert.True(t, sel.Greedy)
	require.Len(t, sel.Lines, 1)
	assert.Equal(t, int64(1), sel.Lines[0].Count)
	assert.Equal(t, int64(500), sel.AmountMinor)
}
