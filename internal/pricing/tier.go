package pricing

import (
	"sort"

	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
)

// DetectTier maps an inspection volume onto the tier whose half-open range
// [tier.Included, next.Included) contains it. Volumes below minVolume are
// raised to minVolume. Volumes above the top tier's floor map to the top
// tier, and a volume that falls into no range also gets the top tier.
func DetectTier(inspectionCount, minVolume int64, tiers []catalogdomain.Tier) (*catalogdomain.Tier, bool) {
	if len(tiers) == 0 {
		return nil, false
	}
	sorted := append([]catalogdomain.Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Included != sorted[j].Included {
			return sorted[i].Included < sorted[j].Included
		}
		return sorted[i].ID < sorted[j].ID
	})

	volume := max(inspectionCount, minVolume)
	for i := range sorted {
		lower := sorted[i].Included
		if i == len(sorted)-1 {
			if volume >= lower {
				return &sorted[i], true
			}
			break
		}
		if volume >= lower && volume < sorted[i+1].Included {
			return &sorted[i], true
		}
	}
	return &sorted[len(sorted)-1], true
}
