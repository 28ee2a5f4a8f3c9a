package fleet

import "sort"

// FindPlacement picks the target node for a new or recovering bot: from
// active nodes with enough free capacity, the one with the most free
// capacity wins, ties broken by id ascending. Nodes in any other status —
// including returning and recovering — are ineligible.
func FindPlacement(nodes []*Node, requiredMB int64) (string, bool) {
	var candidates []*Node
	for _, n := range nodes {
		if n.Status != NodeActive {
			continue
		}
		if n.CapacityMB-n.UsedMB >= requiredMB {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		freeI := candidates[i].CapacityMB - candidates[i].UsedMB
		freeJ := candidates[j].CapacityMB - candidates[j].UsedMB
		if freeI != freeJ {
			return freeI > freeJ
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID, true
}
