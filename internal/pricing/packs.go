package pricing

import (
	"math"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// PricedPack is an addon pack with its resolved price.
type PricedPack struct {
	PackID      snowflake.ID `json:"pack_id"`
	Code        string       `json:"code"`
	Quantity    int64        `json:"quantity"`
	AmountMinor int64        `json:"amount_minor"`
}

type PackLine struct {
	PackID       snowflake.ID `json:"pack_id"`
	Code         string       `json:"code"`
	PackQuantity int64        `json:"pack_quantity"`
	Count        int64        `json:"count"`
	Quantity     int64        `json:"quantity"`
	AmountMinor  int64        `json:"amount_minor"`
}

type PackSelection struct {
	Requested   int64      `json:"requested"`
	Quantity    int64      `json:"quantity"`
	AmountMinor int64      `json:"amount_minor"`
	Currency    string     `json:"currency"`
	Exact       bool       `json:"exact"`
	Greedy      bool       `json:"greedy"`
	Lines       []PackLine `json:"lines"`
}

// maxPackTable bounds the cost table built per call.
const maxPackTable = 1 << 20

// CalculateSmartPacks picks the cheapest combination of packs that covers
// extra credits. An exact cover wins when one exists. Otherwise the
// cheapest overshoot up to extra+max(pack quantity) is taken, ties going
// to the smaller total. If no combination reaches extra at all, the
// largest pack is repeated until it does.
//
// Some optimal cover always uses fewer than q(best) packs other than the
// best value pack, so large requests are prefilled with that pack and only
// the remainder goes through the table.
func CalculateSmartPacks(extra int64, packs []PricedPack) PackSelection {
	sel := PackSelection{Requested: extra}
	usable := lo.Filter(packs, func(p PricedPack, _ int) bool {
		return p.Quantity > 0 && p.AmountMinor >= 0
	})
	if extra <= 0 || len(usable) == 0 {
		sel.Exact = extra <= 0
		return sel
	}
	sort.SliceStable(usable, func(i, j int) bool { return usable[i].Quantity < usable[j].Quantity })

	largest := len(usable) - 1
	maxQty := usable[largest].Quantity
	best := bestValue(usable)
	bestQty := usable[best].Quantity

	counts := make(map[int]int64, len(usable))
	remaining := extra
	if maxQty < maxPackTable && bestQty <= (maxPackTable-maxQty)/maxQty {
		if window := bestQty * maxQty; remaining > window {
			prefill := (remaining - window) / bestQty
			counts[best] = prefill
			remaining -= prefill * bestQty
		}
	}
	if remaining > maxPackTable-maxQty {
		// packs this size cannot be tabulated, fall back to the largest
		n := extra / maxQty
		if extra%maxQty != 0 {
			n++
		}
		return sel.fill(usable, map[int]int64{largest: n}, true)
	}
	limit := remaining + maxQty

	const inf = int64(math.MaxInt64)
	cost := make([]int64, limit+1)
	last := make([]int, limit+1)
	for i := int64(1); i <= limit; i++ {
		cost[i] = inf
		last[i] = -1
		for idx, p := range usable {
			if p.Quantity > i || cost[i-p.Quantity] == inf {
				continue
			}
			if c := cost[i-p.Quantity] + p.AmountMinor; c < cost[i] {
				cost[i] = c
				last[i] = idx
			}
		}
	}

	target := int64(-1)
	if cost[remaining] != inf {
		target = remaining
		sel.Exact = true
	} else {
		for i := remaining + 1; i <= limit; i++ {
			if cost[i] == inf {
				continue
			}
			if target < 0 || cost[i] < cost[target] {
				target = i
			}
		}
	}

	if target < 0 {
		n := (remaining + maxQty - 1) / maxQty
		counts[largest] += n
		return sel.fill(usable, counts, true)
	}
	for i := target; i > 0; i -= usable[last[i]].Quantity {
		counts[last[i]]++
	}
	return sel.fill(usable, counts, false)
}

// bestValue returns the index of the pack with the lowest price per
// credit, preferring the larger pack on a tie.
func bestValue(packs []PricedPack) int {
	best := 0
	for idx, p := range packs {
		bp := packs[best]
		lhs := decimal.NewFromInt(p.AmountMinor).Mul(decimal.NewFromInt(bp.Quantity))
		rhs := decimal.NewFromInt(bp.AmountMinor).Mul(decimal.NewFromInt(p.Quantity))
		if c := lhs.Cmp(rhs); c < 0 || (c == 0 && p.Quantity > bp.Quantity) {
			best = idx
		}
	}
	return best
}

func (sel PackSelection) fill(usable []PricedPack, counts map[int]int64, greedy bool) PackSelection {
	sel.Greedy = greedy
	for idx, p := range usable {
		n := counts[idx]
		if n == 0 {
			continue
		}
		line := PackLine{
			PackID:       p.PackID,
			Code:         p.Code,
			PackQuantity: p.Quantity,
			Count:        n,
			Quantity:     n * p.Quantity,
			AmountMinor:  n * p.AmountMinor,
		}
		sel.Lines = append(sel.Lines, line)
		sel.Quantity += line.Quantity
		sel.AmountMinor += line.AmountMinor
	}
	sel.Lines = consolidate(sel.Lines)
	return sel
}

// consolidate merges lines that refer to the same pack id.
func consolidate(lines []PackLine) []PackLine {
	grouped := lo.GroupBy(lines, func(l PackLine) snowflake.ID { return l.PackID })
	out := make([]PackLine, 0, len(grouped))
	for _, l := range lines {
		group, ok := grouped[l.PackID]
		if !ok {
			continue
		}
		delete(grouped, l.PackID)
		merged := group[0]
		for _, g := range group[1:] {
			merged.Count += g.Count
			merged.Quantity += g.Quantity
			merged.AmountMinor += g.AmountMinor
		}
		out = append(out, merged)
	}
	return out
}
