package detect

import (
	"slices"

	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// DefaultIoUThreshold is the overlap above which same-class boxes are merged.
const DefaultIoUThreshold = 0.45

// NMS performs greedy per-class non-max suppression. The input is not
// modified; survivors are returned in descending score order.
func NMS(dets []types.Detection, iouThreshold float64) []types.Detection {
	if len(dets) == 0 {
		return nil
	}
	sorted := slices.Clone(dets)
	slices.SortStableFunc(sorted, func(a, b types.Detection) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	suppressed := make([]bool, len(sorted))
	keep := make([]types.Detection, 0, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		keep = append(keep, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != sorted[i].ClassID {
				continue
			}
			if sorted[i].Box.IoU(sorted[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}
