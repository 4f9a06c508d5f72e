package weights

import "fmt"

// chunkSize is the largest batch that still sits in the 5-weight tier.
// Two 5-weight chunks cover more candles than one 10-weight call at 1500,
// so splits are always built from chunks of up to this size.
const chunkSize = 1000

// Plan returns the ordered sub-limits to fetch at least count candles.
// Each sub-limit is at most MaxLimit and the total weight is never higher
// than the naive single-request cost for the same count. Ties between a
// split and a single call go to the single call (fewer round-trips).
func Plan(count int) ([]int, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: %d (want >= 1)", ErrInvalidLimit, count)
	}

	if count <= chunkSize {
		return []int{count}, nil
	}

	// Greedy fill: full 5-weight chunks plus a minimal remainder, so the
	// tail lands in the cheapest tier that still covers it.
	split := make([]int, 0, count/chunkSize+1)
	remaining := count
	for remaining > chunkSize {
		split = append(split, chunkSize)
		remaining -= chunkSize
	}
	split = append(split, remaining)

	if count <= MaxLimit {
		single, err := Cost(count)
		if err != nil {
			return nil, err
		}
		if PlanCost(split) >= single {
			return []int{count}, nil
		}
	}
	return split, nil
}

// PlanCost sums the weight of a plan's sub-limits. Sub-limits are assumed
// to come from Plan and therefore be in range; out-of-range entries count
// as the top tier.
func PlanCost(limits []int) int {
	total := 0
	for _, l := range limits {
		w, err := Cost(l)
		if err != nil {
			w = 10
		}
		total += w
	}
	return total
}
